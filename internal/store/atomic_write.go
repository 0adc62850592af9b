package store

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// testHookBeforeRename runs between writing the temp file and renaming it.
var testHookBeforeRename func(tempPath string)

// AtomicWriteFile writes data to a temporary file in the target directory and
// renames it over filename.
func AtomicWriteFile(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create directory")
	}

	// same directory, so the rename never crosses a filesystem
	tempFile, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(filename)+"-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}

	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
				slog.Warn("failed to remove temporary file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tempFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temp file %q", tempFile.Name())
	}
	if err := os.Chmod(tempFile.Name(), perm); err != nil {
		return errors.Wrap(err, "failed to chmod temp file")
	}

	if testHookBeforeRename != nil {
		testHookBeforeRename(tempFile.Name())
	}

	if err := os.Rename(tempFile.Name(), filename); err != nil {
		return errors.Wrap(err, "failed to rename temp file")
	}
	success = true
	return nil
}
