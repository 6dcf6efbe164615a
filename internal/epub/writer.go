package epub

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write serialises the archive as a zip stream with the stored mimetype
// entry first, as the OCF container format requires.
func (a *Archive) Write(w io.Writer) error {
	zipWriter := zip.NewWriter(w)

	if err := writeMimetypeFile(zipWriter); err != nil {
		return err
	}

	for _, e := range a.entries {
		if e.name == mimetypeName {
			continue
		}

		method := e.method
		if method != zip.Store {
			method = zip.Deflate
		}

		writer, err := zipWriter.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   method,
			Modified: e.modified,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", e.name, err)
		}

		if _, err := writer.Write(e.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", e.name, err)
		}
	}

	return zipWriter.Close()
}

func writeMimetypeFile(zipWriter *zip.Writer) error {
	writer, err := zipWriter.CreateHeader(&zip.FileHeader{
		Name:   mimetypeName,
		Method: zip.Store,
	})
	if err != nil {
		return err
	}

	_, err = writer.Write([]byte(mimetypeContent))
	return err
}

// Save writes the archive to path atomically: the content goes to a temp
// file in the same directory which is then renamed over the target, so a
// reader never observes a half-written archive.
func (a *Archive) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := a.Write(tmp); err != nil {
		cleanup()
		return fmt.Errorf("failed to write archive: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync archive: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = sourceFile.Close() }()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = destFile.Close() }()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	return destFile.Sync()
}
