package job

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Watee22/epubTranslator/internal/epub"
)

// ProcessedSet is the set of unit ids whose translation is durable in the
// output archive.
type ProcessedSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewProcessedSet(ids ...string) *ProcessedSet {
	s := &ProcessedSet{ids: make(map[string]struct{}, len(ids))}
	s.Add(ids...)
	return s
}

func (s *ProcessedSet) Add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *ProcessedSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *ProcessedSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// IDs returns a sorted snapshot.
func (s *ProcessedSet) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Accumulator owns the output archive. Every merge rewrites the whole
// archive on disk under one lock, so each persisted file is a complete book.
type Accumulator struct {
	mu      sync.Mutex
	archive *epub.Archive
	path    string
	logger  *logrus.Logger

	tocs   map[string]*epub.TOC
	titles map[string]map[string]string

	// ids merged in memory but not yet on disk
	pending []string

	afterPersist func(path string)
}

// NewAccumulator wraps the output archive stored at path. Table of contents
// documents are parsed from the output itself so titles translated by an
// earlier run survive re-rendering.
func NewAccumulator(archive *epub.Archive, path string, tocs map[string]epub.TOCKind, logger *logrus.Logger) (*Accumulator, error) {
	acc := &Accumulator{
		archive: archive,
		path:    path,
		logger:  logger,
		tocs:    make(map[string]*epub.TOC, len(tocs)),
		titles:  make(map[string]map[string]string, len(tocs)),
	}

	for name, kind := range tocs {
		data, ok := archive.File(name)
		if !ok {
			return nil, fmt.Errorf("output archive is missing %s", name)
		}
		toc, err := epub.ParseTOC(name, kind, data)
		if err != nil {
			return nil, err
		}
		acc.tocs[name] = toc
		acc.titles[name] = make(map[string]string)
	}

	return acc, nil
}

// Merge splices a unit's translated content into the archive and persists
// it. A document's content is its full rendered markup, a title unit's
// content is the translated title. When complete is false the content is
// kept but the unit is not reported.
//
// The returned ids are durable on disk and may include ids held back by
// earlier failed persists. On a persist error the merge stays in memory.
func (a *Accumulator) Merge(u Unit, content string, complete bool) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch u.Kind {
	case KindDocument:
		a.archive.SetFile(u.Name, []byte(content))
	case KindTOCLink, KindTOCSection:
		toc, ok := a.tocs[u.Name]
		if !ok {
			return nil, fmt.Errorf("unknown table of contents %s", u.Name)
		}
		a.titles[u.Name][u.TOCPath] = content
		a.archive.SetFile(u.Name, toc.Render(a.titles[u.Name]))
	default:
		return nil, fmt.Errorf("unknown unit kind %d", u.Kind)
	}

	if complete {
		a.pending = append(a.pending, u.ID)
	}
	return a.persist()
}

// Flush persists any merges left pending by failed writes.
func (a *Accumulator) Flush() ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return nil, nil
	}
	return a.persist()
}

func (a *Accumulator) persist() ([]string, error) {
	if err := a.archive.Save(a.path); err != nil {
		a.logger.WithFields(logrus.Fields{
			"phase":   "persist",
			"pending": len(a.pending),
		}).Warnf("Failed to write output archive: %v", err)
		return nil, fmt.Errorf("failed to persist output: %w", err)
	}

	if a.afterPersist != nil {
		a.afterPersist(a.path)
	}

	durable := a.pending
	a.pending = nil
	return durable, nil
}
