package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	derrors "steppermon/pkg/errors"
)

// Config is a parsed configuration file with section access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include path] directives are resolved
// relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration held in memory. Include directives are
// rejected since there is no directory to resolve them against.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrConfigSection, "invalid config path "+path)
	}
	if visited[abs] {
		return derrors.Newf(derrors.ErrConfigSection, "recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return derrors.Wrap(err, derrors.ErrConfigSection, "unable to open config file "+path)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads one file worth of sections. dir is empty when includes are
// not allowed.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
		} else if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.Join(strings.Fields(line[1:len(line)-1]), " ")
			if header == "" {
				return errSyntax(name, lineNum, "empty section header")
			}
			if spec, ok := strings.CutPrefix(header, "include "); ok {
				if err := c.include(spec, name, lineNum, dir, visited); err != nil {
					return err
				}
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			return errSyntax(name, lineNum, "option outside of a section")
		}
		key, value, ok := splitOption(line)
		if !ok {
			return errSyntax(name, lineNum, fmt.Sprintf("unable to parse %q", line))
		}
		options[key] = value
	}
	flush()

	if err := scanner.Err(); err != nil {
		return derrors.Wrap(err, derrors.ErrConfigSection, "error reading "+name)
	}
	return nil
}

func (c *Config) include(spec, name string, lineNum int, dir string, visited map[string]bool) error {
	if dir == "" {
		return errSyntax(name, lineNum, "include not supported here")
	}
	glob := filepath.Join(dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return errSyntax(name, lineNum, fmt.Sprintf("invalid include pattern %q", spec))
	}
	sort.Strings(matches)
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return errSyntax(name, lineNum, "include file does not exist: "+glob)
	}
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// splitOption splits "key: value" or "key = value" at whichever separator
// comes first.
func splitOption(line string) (key, value string, ok bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

// addSection adds a section. A repeated section merges into the first.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a section by name.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, errMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a section, or an empty one when it does not
// exist so that getter fallbacks apply.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec, ok := c.sections[name]; ok {
		c.accessedSections[name] = struct{}{}
		return sec
	}
	return newSection(name, nil)
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// GetPrefixSections returns the sections whose name starts with prefix and
// marks them accessed.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessedSections[name] = struct{}{}
			result = append(result, c.sections[name])
		}
	}
	return result
}

// GetUnusedSections returns the sections that were never accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused fails on the first section or option nothing consumed.
func (c *Config) CheckUnused() error {
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		return derrors.Newf(derrors.ErrConfigSection, "section '%s' is not a valid config section", unused[0]).
			SetParam(unused[0])
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range c.order {
		unused := c.sections[name].GetUnusedOptions()
		if len(unused) > 0 {
			sort.Strings(unused)
			return derrors.ConfigValidationError(name, unused[0], "option is not valid in this section")
		}
	}
	return nil
}
