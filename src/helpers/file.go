package helpers

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileExists checks if a file exists and is not a directory
func FileExists(filename string, logger *zap.SugaredLogger) bool {
	info, err := os.Stat(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugf("File does not exist: %s", filename)
			return false
		}

		logger.Infof("Error checking file %s for existence: %s", filename, err)
		return false
	}

	return !info.IsDir()
}

// EnsureDir creates dir (and parents) unless it already exists.
func EnsureDir(dir string) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("path exists but is not a directory: %s", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("error accessing directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}
	return nil
}

// DataFilePath joins the data directory and a file name, creating the
// directory when needed.
func DataFilePath(dataDirectory, fileName string) (string, error) {
	if err := EnsureDir(dataDirectory); err != nil {
		return "", err
	}
	return filepath.Join(dataDirectory, fileName), nil
}
