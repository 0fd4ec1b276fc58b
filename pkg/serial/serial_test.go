package serial

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

func TestBaudRateToSpeed(t *testing.T) {
	tests := []struct {
		baud    int
		wantErr bool
	}{
		{115200, false},
		{9600, false},
		{230400, false},
		{12345, true},
		{921600, true},
		{0, true},
	}
	for _, tt := range tests {
		_, err := baudRateToSpeed(tt.baud)
		if (err != nil) != tt.wantErr {
			t.Errorf("baudRateToSpeed(%d) error = %v, wantErr %v", tt.baud, err, tt.wantErr)
		}
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open with empty device succeeded")
	}
	if _, err := Open(Config{Device: filepath.Join(t.TempDir(), "ttyNONE")}); err == nil {
		t.Error("Open of missing device succeeded")
	}
	// A regular file is not a tty.
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(Config{Device: path}); err == nil {
		t.Error("Open of a regular file succeeded")
	}
}

func TestResolve(t *testing.T) {
	got, err := resolve("/dev/ttyAMA0")
	if err != nil || got != "/dev/ttyAMA0" {
		t.Errorf("resolve = %q, %v", got, err)
	}
	if _, err := resolve("/dev/serial/by-id/does-not-exist"); err == nil {
		t.Error("missing by-id link resolved")
	}
}

func TestOpenRejectsBaudBeforeDevice(t *testing.T) {
	_, err := Open(Config{Device: "/dev/serial/by-id/does-not-exist", BaudRate: 12345})
	if err == nil || err.Error() != "serial: unsupported baud rate 12345" {
		t.Errorf("Open error = %v", err)
	}
}

func TestCandidates(t *testing.T) {
	if _, ok := candidateGlobs[runtime.GOOS]; !ok {
		t.Skip("no tty patterns for " + runtime.GOOS)
	}
	ports, err := Candidates()
	if err != nil {
		t.Fatal(err)
	}
	if !sort.StringsAreSorted(ports) {
		t.Errorf("Candidates not sorted: %v", ports)
	}
	seen := map[string]bool{}
	for _, p := range ports {
		if seen[p] {
			t.Errorf("duplicate %s", p)
		}
		seen[p] = true
	}
}

func TestClosedPort(t *testing.T) {
	p := &Port{fd: -1, closed: true}
	if _, err := p.Read(make([]byte, 1)); err != ErrClosed {
		t.Errorf("Read error = %v", err)
	}
	if err := p.Flush(); err != ErrClosed {
		t.Errorf("Flush error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BaudRate != 115200 || cfg.ReadTimeout <= 0 {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
