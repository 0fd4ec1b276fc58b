package settings

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"steppermon/pkg/driver"
	derrors "steppermon/pkg/errors"
	"steppermon/pkg/stepper"
	"steppermon/pkg/tuning"
)

func sample() map[stepper.Axis]tuning.StoredState {
	return map[stepper.Axis]tuning.StoredState{
		stepper.X: {
			Config: stepper.StoredConfig{
				StealthChop:       true,
				HybridThreshold:   100,
				HomingSensitivity: -12,
				Chopper:           driver.ChopperTiming{Toff: 4, Hend: -2, Hstrt: 5},
			},
			Milliamps: 800,
		},
		stepper.E3: {
			Config: stepper.StoredConfig{
				HybridThreshold:   30,
				HomingSensitivity: 200,
				Chopper:           driver.ChopperTiming{Toff: 3, Hend: 2, Hstrt: 1},
			},
			Milliamps: 550,
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "nested", "settings.cbor"))
	if err != nil {
		t.Fatal(err)
	}
	want := sample()
	if err := st.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	a, err := Encode(sample())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Encode(sample())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("encoding is not deterministic")
	}
}

func TestLoadMissing(t *testing.T) {
	st, _ := Open(filepath.Join(t.TempDir(), "settings.cbor"))
	_, err := st.Load()
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want not exist", err)
	}
	if !derrors.Is(err, derrors.ErrPersist) {
		t.Errorf("Load() error code = %v, want PERSIST", err)
	}
}

func TestDecodeCorrupted(t *testing.T) {
	good, err := Encode(sample())
	if err != nil {
		t.Fatal(err)
	}
	flipped := append([]byte(nil), good...)
	flipped[len(flipped)/2] ^= 0x01

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not cbor at all")},
		{"truncated", good[:len(good)-3]},
		{"flipped", flipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !derrors.Is(err, derrors.ErrPersist) {
				t.Errorf("Decode() error = %v, want PERSIST", err)
			}
		})
	}
}

func TestDecodeRejectsOtherVersion(t *testing.T) {
	data, err := encMode.Marshal(blob{Version: Version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !derrors.Is(err, derrors.ErrPersist) {
		t.Errorf("Decode() error = %v, want PERSIST", err)
	}
}

func TestDecodeRejectsUnknownAxis(t *testing.T) {
	axes := map[string]tuning.StoredState{"W9": {Milliamps: 100}}
	sum, err := checksum(axes)
	if err != nil {
		t.Fatal(err)
	}
	data, err := encMode.Marshal(blob{Version: Version, Axes: axes, Checksum: sum})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); !derrors.Is(err, derrors.ErrPersist) {
		t.Errorf("Decode() error = %v, want PERSIST", err)
	}
}

func TestCorruptedFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.cbor")
	if err := os.WriteFile(path, []byte{0xa1, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}
	st, _ := Open(path)
	if _, err := st.Load(); !derrors.Is(err, derrors.ErrPersist) {
		t.Errorf("Load() error = %v, want PERSIST", err)
	}
}

func TestReset(t *testing.T) {
	st, _ := Open(filepath.Join(t.TempDir(), "settings.cbor"))
	if err := st.Save(sample()); err != nil {
		t.Fatal(err)
	}
	if err := st.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := os.Stat(st.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("blob still present: %v", err)
	}
	if err := st.Reset(); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}

func TestOpenExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	st, err := Open("~/.steppermon/settings.cbor")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".steppermon", "settings.cbor"); st.Path() != want {
		t.Errorf("Path() = %s, want %s", st.Path(), want)
	}
	if _, err := Open(""); err == nil {
		t.Error("Open(\"\") succeeded")
	}
}
