package glossary

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const fileSuffix = "_glossary.json"

// Store persists one glossary file per input book.
type Store struct {
	// Dir holds the glossary files. Empty means next to the input file.
	Dir    string
	logger *logrus.Logger
}

// NewStore creates a glossary store rooted at dir.
func NewStore(dir string, logger *logrus.Logger) *Store {
	return &Store{Dir: dir, logger: logger}
}

// Path returns the glossary file used for inputPath.
func (s *Store) Path(inputPath string) string {
	dir := s.Dir
	if dir == "" {
		dir = filepath.Dir(inputPath)
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	return filepath.Join(dir, base+fileSuffix)
}

// Load reads the persisted glossary for inputPath, applies overrides on top
// and writes the merged mapping back, even when it is empty. A missing file
// is an empty glossary.
//
// When the persisted file cannot be read or parsed, the returned glossary
// holds the overrides only and the error wraps ErrIO; the file is left
// untouched so it can be repaired by hand.
func (s *Store) Load(inputPath string, overrides Terms) (*Glossary, error) {
	path := s.Path(inputPath)

	persisted, err := readJSON(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			persisted = Terms{}
		} else {
			return New(overrides), fmt.Errorf("%w: %s: %v", ErrIO, path, err)
		}
	}

	merged := Merge(persisted, overrides)
	if err := writeJSON(path, merged); err != nil {
		return New(merged), fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"path":      path,
			"persisted": len(persisted),
			"overrides": len(overrides),
		}).Debug("Glossary loaded")
	}

	return New(merged), nil
}

func readJSON(path string) (Terms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var terms Terms
	if err := json.Unmarshal(data, &terms); err != nil {
		return nil, fmt.Errorf("failed to parse glossary: %w", err)
	}
	if terms == nil {
		terms = Terms{}
	}
	return terms, nil
}

func writeJSON(path string, terms Terms) error {
	data, err := json.MarshalIndent(terms, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
