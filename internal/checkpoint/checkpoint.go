// Package checkpoint records which units of a translation job are done so an
// interrupted job can resume.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Version is the current checkpoint schema. Checkpoints written with any
// other version are rejected as corrupt.
const Version = 1

// ErrCorrupt is returned for a checkpoint that exists but cannot be used.
var ErrCorrupt = errors.New("checkpoint is corrupt or incompatible")

// State is the persisted progress of one job.
type State struct {
	Version     int    `json:"version"`
	Input       string `json:"input"`
	Fingerprint string `json:"fingerprint"`
	TotalUnits  int    `json:"total_units"`
	// ProcessedIDs is authoritative; CompletedCount is derived from it.
	ProcessedIDs   []string  `json:"processed_ids"`
	CompletedCount int       `json:"completed_count"`
	SavedAt        time.Time `json:"saved_at"`
}

// NewState returns a fresh state for input.
func NewState(input, fingerprint string, totalUnits int, processed []string) *State {
	return &State{
		Version:        Version,
		Input:          input,
		Fingerprint:    fingerprint,
		TotalUnits:     totalUnits,
		ProcessedIDs:   processed,
		CompletedCount: len(processed),
	}
}

// Validate checks the schema version and internal consistency.
func (s *State) Validate() error {
	if s.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrCorrupt, s.Version, Version)
	}
	if s.TotalUnits < 0 || len(s.ProcessedIDs) > s.TotalUnits {
		return fmt.Errorf("%w: %d processed of %d units", ErrCorrupt, len(s.ProcessedIDs), s.TotalUnits)
	}

	seen := make(map[string]struct{}, len(s.ProcessedIDs))
	for _, id := range s.ProcessedIDs {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate unit %q", ErrCorrupt, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Matches reports whether the state belongs to the same book decomposition.
func (s *State) Matches(fingerprint string, totalUnits int) bool {
	return s.Fingerprint == fingerprint && s.TotalUnits == totalUnits
}

// Store persists job state keyed by input path.
type Store interface {
	// Load returns nil, nil when no checkpoint exists.
	Load(ctx context.Context, input string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, input string) error
}

// Fingerprint hashes the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Key is the store key for input: its base name without extension.
func Key(input string) string {
	return strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
}
