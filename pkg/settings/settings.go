// Package settings persists the operator configuration of every driver
// (M500/M501) as a CBOR blob. Writes are atomic and guarded by an advisory
// file lock so a second process never reads a half written blob.
package settings

import (
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	derrors "steppermon/pkg/errors"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

// Version is the blob layout version. Blobs of another version are
// rejected.
const Version = 1

// blob is the on-disk layout. Checksum covers the encoded Axes map.
type blob struct {
	Version  uint                          `cbor:"1,keyasint"`
	Axes     map[string]tuning.StoredState `cbor:"2,keyasint"`
	Checksum uint32                        `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Store is a settings file.
type Store struct {
	path string
}

// Open returns a store at path. A leading ~ is expanded. The file does not
// need to exist yet.
func Open(path string) (*Store, error) {
	if len(path) > 1 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, derrors.PersistError(err, "resolve home directory")
		}
		path = filepath.Join(home, path[2:])
	}
	if path == "" {
		return nil, derrors.New(derrors.ErrPersist, "empty settings path")
	}
	return &Store{path: path}, nil
}

// Path returns the blob path.
func (s *Store) Path() string { return s.path }

// Encode serializes states.
func Encode(states map[stepper.Axis]tuning.StoredState) ([]byte, error) {
	axes := make(map[string]tuning.StoredState, len(states))
	for a, st := range states {
		axes[a.String()] = st
	}
	sum, err := checksum(axes)
	if err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(blob{Version: Version, Axes: axes, Checksum: sum})
	if err != nil {
		return nil, derrors.PersistError(err, "encode settings")
	}
	return data, nil
}

// Decode parses a blob and validates version, checksum and axis labels.
func Decode(data []byte) (map[stepper.Axis]tuning.StoredState, error) {
	var b blob
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, derrors.PersistError(err, "decode settings")
	}
	if b.Version != Version {
		return nil, derrors.Newf(derrors.ErrPersist, "settings version %d, want %d", b.Version, Version)
	}
	sum, err := checksum(b.Axes)
	if err != nil {
		return nil, err
	}
	if sum != b.Checksum {
		return nil, derrors.Newf(derrors.ErrPersist, "settings checksum mismatch: %08x != %08x", sum, b.Checksum)
	}
	out := make(map[stepper.Axis]tuning.StoredState, len(b.Axes))
	for label, st := range b.Axes {
		a, err := stepper.ParseAxis(label)
		if err != nil {
			return nil, derrors.PersistError(err, "settings axis")
		}
		out[a] = st
	}
	return out, nil
}

func checksum(axes map[string]tuning.StoredState) (uint32, error) {
	data, err := encMode.Marshal(axes)
	if err != nil {
		return 0, derrors.PersistError(err, "encode settings")
	}
	return crc32.ChecksumIEEE(data), nil
}

// lock takes an advisory lock on the sidecar lock file.
func (s *Store) lock(how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, derrors.PersistError(err, "create settings directory")
	}
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, derrors.PersistError(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, derrors.PersistError(err, "lock settings")
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Save writes states, replacing the previous blob atomically.
func (s *Store) Save(states map[stepper.Axis]tuning.StoredState) error {
	data, err := Encode(states)
	if err != nil {
		return err
	}
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.tmp")
	if err != nil {
		return derrors.PersistError(err, "create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return derrors.PersistError(err, "write settings")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return derrors.PersistError(err, "sync settings")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return derrors.PersistError(err, "close settings")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return derrors.PersistError(err, "replace settings")
	}
	return nil
}

// Load reads the blob. A missing file returns an error for which
// errors.Is(err, os.ErrNotExist) holds.
func (s *Store) Load() (map[stepper.Axis]tuning.StoredState, error) {
	unlock, err := s.lock(unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, derrors.PersistError(err, "read settings")
	}
	return Decode(data)
}

// Reset removes the blob so the next start uses the machine config.
func (s *Store) Reset() error {
	unlock, err := s.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return derrors.PersistError(err, "remove settings")
	}
	return nil
}
