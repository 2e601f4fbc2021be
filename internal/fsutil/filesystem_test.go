package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_ReadDir(t *testing.T) {
	dir := t.TempDir()
	fsys := OSFileSystem{}
	for _, name := range []string{"b.png", "a.png", "c.txt"} {
		if err := fsys.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := fsys.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	names, err := fsys.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	want := []string{"a.png", "b.png", "c.txt"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestWriteFileAtomic_OS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.json")
	fsys := OSFileSystem{}

	if err := WriteFileAtomic(fsys, path, []byte("first"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(fsys, path, []byte("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected %q, got %q", "second", data)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary file left behind: %v", err)
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	buf := []byte("hello, world")
	if err := mfs.WriteFile("/test.txt", buf, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	buf[0] = 'j'

	data, err := mfs.ReadFile("/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello, world" {
		t.Errorf("expected stored copy, got %q", data)
	}
}

func TestMemoryFileSystem_Open(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/frames/0001.png", []byte("png"), 0o644)

	f, err := mfs.Open("/frames/0001.png")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "png" {
		t.Errorf("expected %q, got %q", "png", data)
	}
	info, err := f.Stat()
	if err != nil || info.Name() != "0001.png" || info.Size() != 3 {
		t.Errorf("unexpected stat %v, %v", info, err)
	}

	if _, err := mfs.Open("/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/cam0/b.png", nil, 0o644)
	_ = mfs.WriteFile("/cam0/a.png", nil, 0o644)
	_ = mfs.WriteFile("/cam0/nested/c.png", nil, 0o644)
	_ = mfs.WriteFile("/cam1/a.png", nil, 0o644)

	names, err := mfs.ReadDir("/cam0")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.png" || names[1] != "b.png" {
		t.Errorf("unexpected listing %v", names)
	}

	if _, err := mfs.ReadDir("/nope"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}

	_ = mfs.MkdirAll("/empty/dir", 0o755)
	names, err = mfs.ReadDir("/empty/dir")
	if err != nil || len(names) != 0 {
		t.Errorf("expected empty listing, got %v, %v", names, err)
	}
}

func TestMemoryFileSystem_AtomicWrite(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := WriteFileAtomic(mfs, "/out/models.json", []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	files := mfs.Files()
	if len(files) != 1 || files[0] != "/out/models.json" {
		t.Errorf("unexpected files %v", files)
	}
}

func TestMemoryFileSystem_RenameMissing(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.Rename("/a", "/b"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if err := mfs.Remove("/a"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestHasExtension(t *testing.T) {
	tests := []struct {
		name string
		exts []string
		want bool
	}{
		{"frame.PNG", []string{".png"}, true},
		{"frame.jpeg", []string{".png", ".jpeg"}, true},
		{"frame.tmp", []string{".png"}, false},
		{"noext", []string{".png"}, false},
	}
	for _, tt := range tests {
		if got := HasExtension(tt.name, tt.exts...); got != tt.want {
			t.Errorf("HasExtension(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
