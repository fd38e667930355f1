package validation

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(file, []byte("backend_url: http://x\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := CheckFileExists(file); err != nil {
		t.Errorf("CheckFileExists(file) = %v, want nil", err)
	}
	if err := CheckFileExists(""); err == nil {
		t.Error("CheckFileExists(\"\") = nil, want error")
	}
	if err := CheckFileExists(dir); err == nil {
		t.Error("CheckFileExists(dir) = nil, want error")
	}

	err := CheckFileExists(filepath.Join(dir, "missing"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("CheckFileExists(missing) = %v, want fs.ErrNotExist", err)
	}
	var fe *FileError
	if !errors.As(err, &fe) || fe.Path == "" {
		t.Errorf("CheckFileExists(missing) = %#v, want *FileError with Path", err)
	}
}

func TestCheckWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	if err := CheckWritableDir(dir); err != nil {
		t.Fatalf("CheckWritableDir() = %v, want nil", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0o600)
	if err := CheckWritableDir(file); err == nil {
		t.Error("CheckWritableDir(regular file) = nil, want error")
	}
}

func TestGetDiskSpace(t *testing.T) {
	info, err := GetDiskSpace(filepath.Join(t.TempDir(), "not", "yet", "created"))
	if err != nil {
		t.Fatalf("GetDiskSpace() error: %v", err)
	}
	if info.Total <= 0 {
		t.Errorf("Total = %d, want > 0", info.Total)
	}
	if info.Free < 0 || info.Free > info.Total {
		t.Errorf("Free = %d, want between 0 and Total (%d)", info.Free, info.Total)
	}
	if info.UsedPercent < 0 || info.UsedPercent > 100 {
		t.Errorf("UsedPercent = %f, want 0-100", info.UsedPercent)
	}
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()
	if err := CheckDiskSpace(dir, 1); err != nil {
		t.Errorf("CheckDiskSpace(1 byte) = %v, want nil", err)
	}

	err := CheckDiskSpace(dir, 1<<62)
	var dse *DiskSpaceError
	if !errors.As(err, &dse) {
		t.Fatalf("CheckDiskSpace(huge) = %v, want *DiskSpaceError", err)
	}
	if dse.Required != 1<<62 {
		t.Errorf("Required = %d, want %d", dse.Required, int64(1<<62))
	}
}
