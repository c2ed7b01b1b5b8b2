package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// testLocator returns a locator rooted in temp directories: exeDir holds the
// fake executable and cwd is the working directory.
func testLocator(t *testing.T, env map[string]string) (l libLocator, exeDir, cwd string) {
	t.Helper()
	exeDir = t.TempDir()
	cwd = t.TempDir()
	l = libLocator{
		getenv:     func(k string) string { return env[k] },
		executable: func() (string, error) { return filepath.Join(exeDir, "adapter"), nil },
		getwd:      func() (string, error) { return cwd, nil },
		stat:       os.Stat,
		goos:       "linux",
		goarch:     "amd64",
	}
	return l, exeDir, cwd
}

func writeFakeLib(t *testing.T, dir string) string {
	t.Helper()
	libDir := filepath.Join(dir, "lib", "linux-amd64")
	if err := os.MkdirAll(libDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(libDir, "libonnxruntime.so")
	if err := os.WriteFile(path, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveORTLibPath_EnvOverride(t *testing.T) {
	lib := filepath.Join(t.TempDir(), "fake_ort.so")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, _, _ := testLocator(t, map[string]string{EnvORTLibPath: lib})

	path, err := l.resolve()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if path != lib {
		t.Errorf("expected %q, got %q", lib, path)
	}
}

func TestResolveORTLibPath_EnvOverrideMissing(t *testing.T) {
	l, _, _ := testLocator(t, map[string]string{EnvORTLibPath: "/nonexistent/path/to/ort.so"})
	if _, err := l.resolve(); err == nil {
		t.Fatal("expected error for non-existent NUPI_ORT_LIB_PATH")
	}
}

func TestResolveORTLibPath_EnvOverrideIsDirectory(t *testing.T) {
	l, _, _ := testLocator(t, map[string]string{EnvORTLibPath: t.TempDir()})
	_, err := l.resolve()
	if err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestResolveORTLibPath_ExecutableRelative(t *testing.T) {
	l, exeDir, _ := testLocator(t, nil)
	want := writeFakeLib(t, exeDir)

	path, err := l.resolve()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if path != want {
		t.Errorf("expected %q, got %q", want, path)
	}
}

func TestResolveORTLibPath_ExecutableParent(t *testing.T) {
	root := t.TempDir()
	want := writeFakeLib(t, root)
	l, _, _ := testLocator(t, nil)
	l.executable = func() (string, error) { return filepath.Join(root, "bin", "adapter"), nil }

	path, err := l.resolve()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if filepath.Clean(path) != want {
		t.Errorf("expected %q, got %q", want, path)
	}
}

func TestResolveORTLibPath_CwdFallbackDevMode(t *testing.T) {
	l, _, cwd := testLocator(t, map[string]string{EnvDevMode: "1"})
	want := writeFakeLib(t, cwd)

	path, err := l.resolve()
	if err != nil {
		t.Fatalf("resolve failed in dev mode with CWD lib: %v", err)
	}
	if path != want {
		t.Errorf("expected %q, got %q", want, path)
	}
}

func TestResolveORTLibPath_CwdIgnoredWithoutDevMode(t *testing.T) {
	l, _, cwd := testLocator(t, nil)
	writeFakeLib(t, cwd)

	if path, err := l.resolve(); err == nil {
		t.Fatalf("resolve returned CWD path %q without dev mode", path)
	}
}

func TestResolveORTLibPath_ExecutableError(t *testing.T) {
	l, _, cwd := testLocator(t, map[string]string{EnvDevMode: "1"})
	l.executable = func() (string, error) { return "", errors.New("no exe") }
	want := writeFakeLib(t, cwd)

	path, err := l.resolve()
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if path != want {
		t.Errorf("expected %q, got %q", want, path)
	}
}

func TestOrtLibFilenameFor(t *testing.T) {
	tests := map[string]string{
		"darwin":  "libonnxruntime.dylib",
		"windows": "onnxruntime.dll",
		"linux":   "libonnxruntime.so",
		"freebsd": "libonnxruntime.so",
	}
	for goos, want := range tests {
		if got := ortLibFilenameFor(goos); got != want {
			t.Errorf("ortLibFilenameFor(%q) = %q, want %q", goos, got, want)
		}
	}
}
