package core

import (
	"os"
	"path/filepath"
	"runtime"
)

// AppName is the application name used in data directory paths.
const AppName = "DiffusionBackend"

// unixDataDir is the dot-directory used under $HOME on Unix-like systems.
const unixDataDir = ".diffusion-backend"

// GetDataDirectory returns the per-user directory holding the run history
// database, logs and default outputs.
//
//   - Windows: %APPDATA%\DiffusionBackend
//   - Linux/macOS: ~/.diffusion-backend
//
// It does not create the directory; see EnsureDataDirectory.
func GetDataDirectory() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return AppName
		}
		return filepath.Join(home, "AppData", "Roaming", AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return unixDataDir
	}
	return filepath.Join(home, unixDataDir)
}

// GetDataFilePath returns the full path for a file within the data directory.
func GetDataFilePath(filename string) string {
	return filepath.Join(GetDataDirectory(), filename)
}

// EnsureDataDirectory creates the data directory with owner-only permissions.
func EnsureDataDirectory() (string, error) {
	dir := GetDataDirectory()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
