package retention

import (
	"errors"
	"io/fs"
	"os"
)

// removeFile deletes a path, treating already-gone as success.
func removeFile(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
