package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	for _, name := range []string{"default", "work", "alice-2"} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", ".", "..", "a/b", "a\\b"} {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestPaths(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	if got, want := Dir("work"), "/home/alice/.beacon/profiles/work"; got != want {
		t.Errorf("Dir: got %q, want %q", got, want)
	}
	if got := CacheDir("work"); !strings.HasSuffix(got, filepath.Join("work", "cache")) {
		t.Errorf("CacheDir: got %q", got)
	}
	if got := ConfigPath("work"); !strings.HasSuffix(got, filepath.Join("work", "config.toml")) {
		t.Errorf("ConfigPath: got %q", got)
	}
	if got := LogPath("work"); !strings.HasSuffix(got, filepath.Join("logs", "beacond.log")) {
		t.Errorf("LogPath: got %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if err := EnsureDirs("work"); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{Dir("work"), CacheDir("work"), filepath.Join(Dir("work"), "logs")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("stat %s: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestAcquireLockExclusive(t *testing.T) {
	dir := t.TempDir()

	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = AcquireLock(dir)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("second acquire: got %v, want LockHeldError", err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("got PID %d, want %d", held.PID, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	l2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	defer l2.Release()
}

func TestLockFileContent(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(dir, "LOCK"))
	if err != nil {
		t.Fatal(err)
	}
	if got := parsePID(string(data)); got != os.Getpid() {
		t.Errorf("got PID %d, want %d", got, os.Getpid())
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release: %v", err)
	}
}
