package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"steppermon/pkg/report"
)

const checkConfig = `
[stepper_driver X]
driver: tmc2130
bus: sim
run_current: 800

[stepper_driver Y]
driver: tmc2130
bus: sim
run_current: 600
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steppermon.cfg")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckReport(t *testing.T) {
	var buf bytes.Buffer
	failed, err := check(&buf, writeConfig(t, checkConfig), false, false)
	if err != nil {
		t.Fatal(err)
	}
	if failed != 0 {
		t.Errorf("failed = %d", failed)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "Testing X connection... OK\nTesting Y connection... OK\n") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestCheckYAML(t *testing.T) {
	var buf bytes.Buffer
	if _, err := check(&buf, writeConfig(t, checkConfig), true, true); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Drivers []report.Snapshot `yaml:"drivers"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	snaps := doc.Drivers
	if len(snaps) != 2 || snaps[0].Axis != "X" || snaps[0].SetCurrent != 800 {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if len(snaps[0].Registers) == 0 {
		t.Error("register dump missing")
	}
}

func TestCheckBadConfig(t *testing.T) {
	if _, err := check(&bytes.Buffer{}, writeConfig(t, "[bogus]\n"), false, false); err == nil {
		t.Error("check accepted an unknown section")
	}
}

func TestListPorts(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("no tty patterns for " + runtime.GOOS)
	}
	var out bytes.Buffer
	if err := listPorts(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Errorf("output = %q", out.String())
	}
}
