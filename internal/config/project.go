package config

import (
	"os"
	"path/filepath"
)

// DataDirName is the per-project directory holding config, logs and the store.
const DataDirName = ".tinyInfer"

// FindProjectRoot looks for the .tinyInfer directory starting from the current
// working directory and moving up the directory tree
func FindProjectRoot() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return findProjectRootFrom(currentDir), nil
}

func findProjectRootFrom(start string) string {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, DataDirName)); err == nil && info.IsDir() {
			return dir
		}

		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			break
		}
		dir = parentDir
	}

	// No marker found: the working directory becomes the project root
	return start
}

// GetDataDir returns the path to the .tinyInfer directory under the project root
func GetDataDir(projectRoot string) string {
	return filepath.Join(projectRoot, DataDirName)
}

// EnsureDataDirs creates the necessary .tinyInfer subdirectories
func EnsureDataDirs(dataDir string) error {
	subdirs := []string{
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "models"),
		filepath.Join(dataDir, "store"),
	}

	for _, subdir := range subdirs {
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return err
		}
	}

	return nil
}
