package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Environment variables consulted when locating the ONNX Runtime library.
const (
	EnvORTLibPath = "NUPI_ORT_LIB_PATH"
	EnvDevMode    = "NUPI_DEV_MODE"
)

// libLocator finds the ONNX Runtime shared library. Its hooks default to the
// os package and are replaced in tests.
type libLocator struct {
	getenv     func(string) string
	executable func() (string, error)
	getwd      func() (string, error)
	stat       func(string) (os.FileInfo, error)
	goos       string
	goarch     string
}

func defaultLibLocator() libLocator {
	return libLocator{
		getenv:     os.Getenv,
		executable: os.Executable,
		getwd:      os.Getwd,
		stat:       os.Stat,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
	}
}

// resolveORTLibPath returns the path to the ONNX Runtime shared library.
func resolveORTLibPath() (string, error) {
	return defaultLibLocator().resolve()
}

// resolve searches, in order:
//  1. NUPI_ORT_LIB_PATH (explicit override)
//  2. lib/<goos>-<goarch>/ relative to the executable
//  3. ../lib/<goos>-<goarch>/ relative to the executable (bin/ layout)
//  4. the same two paths relative to CWD, only with NUPI_DEV_MODE=1
//
// CWD lookup is off by default to prevent shared library hijacking.
func (l libLocator) resolve() (string, error) {
	if envPath := l.getenv(EnvORTLibPath); envPath != "" {
		info, err := l.stat(envPath)
		if err != nil {
			return "", fmt.Errorf("ort: %s=%q does not exist", EnvORTLibPath, envPath)
		}
		if info.IsDir() {
			return "", fmt.Errorf("ort: %s=%q is a directory, expected a file", EnvORTLibPath, envPath)
		}
		return envPath, nil
	}

	filename := ortLibFilenameFor(l.goos)
	platform := l.goos + "-" + l.goarch
	rels := []string{
		filepath.Join("lib", platform, filename),
		filepath.Join("..", "lib", platform, filename),
	}

	var bases []string
	if exePath, err := l.executable(); err == nil {
		bases = append(bases, filepath.Dir(exePath))
	}
	if l.getenv(EnvDevMode) == "1" {
		if dir, err := l.getwd(); err == nil {
			bases = append(bases, dir)
		}
	}
	for _, base := range bases {
		for _, rel := range rels {
			path := filepath.Join(base, rel)
			if info, err := l.stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("ort: shared library not found; searched lib/%s/%s relative to executable (set %s to override, or %s=1 to enable CWD lookup)",
		platform, filename, EnvORTLibPath, EnvDevMode)
}

// ortLibFilename returns the ONNX Runtime library filename for this platform.
func ortLibFilename() string { return ortLibFilenameFor(runtime.GOOS) }

func ortLibFilenameFor(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default: // linux and others
		return "libonnxruntime.so"
	}
}
