// Package job runs a resumable, concurrent translation of one EPUB.
package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"

	"github.com/Watee22/epubTranslator/internal/checkpoint"
	"github.com/Watee22/epubTranslator/internal/epub"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/translation"
)

var (
	// ErrInputFormat is returned when the input is not a readable EPUB.
	ErrInputFormat = errors.New("input is not a valid EPUB")
	// ErrIncomplete is returned when the queue drained with units unresolved.
	ErrIncomplete = errors.New("translation incomplete")
)

// State is the lifecycle state of a job.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "initializing"
	}
}

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Progress is reported to the observer as a job advances.
type Progress struct {
	JobID  string `json:"job_id"`
	State  string `json:"state"`
	Total  int    `json:"total"`
	Done   int    `json:"done"`
	Failed int    `json:"failed"`
	Unit   string `json:"unit,omitempty"`
}

// Observer receives progress updates. It is called from worker goroutines
// and must not block.
type Observer func(Progress)

// Options describes one run.
type Options struct {
	JobID        string
	InputPath    string
	OutputPath   string
	Workers      int
	UserGlossary glossary.Terms
	Resume       bool
}

// Report is the outcome of a run.
type Report struct {
	JobID              string
	State              State
	InputPath          string
	OutputPath         string
	TransientCopyPath  string
	PersistentCopyPath string
	Resumed            bool
	Total              int
	Done               int
	Unresolved         []string
	Duration           time.Duration
}

// Settings are the job-wide configuration values.
type Settings struct {
	TargetLanguage string

	// SourceLanguage is a BCP 47 tag, or "auto" to detect it per book.
	SourceLanguage     string
	Workers            int
	CheckpointInterval time.Duration
	OutputSuffix       string
	TempDir            string
	OutputDir          string
}

// Controller runs translation jobs.
type Controller struct {
	backend     translation.Backend
	clientOpts  translation.Options
	glossaries  *glossary.Store
	checkpoints checkpoint.Store
	settings    Settings
	logger      *logrus.Logger

	mu       sync.RWMutex
	observer Observer

	afterPersist func(path string)
	beforeUnit   func(u Unit)
}

func NewController(backend translation.Backend, clientOpts translation.Options, glossaries *glossary.Store, checkpoints checkpoint.Store, settings Settings, logger *logrus.Logger) *Controller {
	if settings.CheckpointInterval <= 0 {
		settings.CheckpointInterval = 5 * time.Second
	}
	if settings.Workers <= 0 {
		settings.Workers = 5
	}
	clientOpts.TargetLanguage = settings.TargetLanguage

	return &Controller{
		backend:     backend,
		clientOpts:  clientOpts,
		glossaries:  glossaries,
		checkpoints: checkpoints,
		settings:    settings,
		logger:      logger,
	}
}

// SetObserver registers the progress observer.
func (c *Controller) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

func (c *Controller) observe(p Progress) {
	c.mu.RLock()
	o := c.observer
	c.mu.RUnlock()
	if o != nil {
		o(p)
	}
}

// OutputPath returns the default output path for input.
func (c *Controller) OutputPath(input string) string {
	suffix := c.settings.OutputSuffix
	if suffix == "" {
		suffix = LanguageSuffix(c.settings.TargetLanguage)
	}
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + suffix + ".epub"
}

// LanguageSuffix derives an output file suffix from a target language:
// the region when present ("zh-CN" gives "_cn"), otherwise the base.
func LanguageSuffix(target string) string {
	tag, err := language.Parse(target)
	if err != nil {
		return "_" + strings.ToLower(target)
	}
	if region, conf := tag.Region(); conf == language.Exact {
		return "_" + strings.ToLower(region.String())
	}
	base, _ := tag.Base()
	return "_" + base.String()
}

// Run translates one book. Cancelling ctx stops workers from taking new
// units; units already in flight finish and are merged. A cancelled run
// returns its report with StateCancelled and a nil error.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()

	if opts.JobID == "" {
		opts.JobID = uuid.New().String()
	}
	if opts.OutputPath == "" {
		opts.OutputPath = c.OutputPath(opts.InputPath)
	}
	if opts.Workers <= 0 {
		opts.Workers = c.settings.Workers
	}

	report := &Report{
		JobID:      opts.JobID,
		State:      StateInitializing,
		InputPath:  opts.InputPath,
		OutputPath: opts.OutputPath,
	}
	log := c.logger.WithFields(logrus.Fields{"job": opts.JobID})
	c.observe(Progress{JobID: opts.JobID, State: report.State.String()})

	fail := func(err error) (*Report, error) {
		report.State = StateFailed
		report.Duration = time.Since(start)
		c.observe(Progress{JobID: opts.JobID, State: report.State.String(), Total: report.Total, Done: report.Done})
		return report, err
	}

	input, err := epub.Open(opts.InputPath)
	if err != nil {
		if errors.Is(err, epub.ErrInvalidArchive) {
			return fail(fmt.Errorf("%w: %s: %w", ErrInputFormat, opts.InputPath, err))
		}
		return fail(err)
	}

	book, err := Decompose(input)
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrInputFormat, opts.InputPath, err))
	}
	report.Total = len(book.Units)

	fingerprint, err := checkpoint.Fingerprint(opts.InputPath)
	if err != nil {
		return fail(fmt.Errorf("failed to read input: %w", err))
	}

	g, err := c.glossaries.Load(opts.InputPath, opts.UserGlossary)
	if err != nil {
		log.WithField("phase", "glossary").Warnf("Continuing with partial glossary: %v", err)
	}

	clientOpts := c.clientOpts
	clientOpts.SourceLanguage = c.sourceLanguage(book, log)
	client := translation.NewClient(c.backend, clientOpts, c.logger)

	processed, output, resumed := c.resume(ctx, log, opts, book, fingerprint)
	report.Resumed = resumed
	if output == nil {
		output = input.Clone()
		if err := output.SetLanguage(c.settings.TargetLanguage); err != nil {
			return fail(fmt.Errorf("failed to set output language: %w", err))
		}
		if err := output.Save(opts.OutputPath); err != nil {
			return fail(fmt.Errorf("failed to create output: %w", err))
		}
		c.saveCheckpoint(ctx, log, opts.InputPath, fingerprint, report.Total, processed)
	}

	acc, err := NewAccumulator(output, opts.OutputPath, book.TOCs, c.logger)
	if err != nil {
		return fail(fmt.Errorf("failed to prepare output: %w", err))
	}
	acc.afterPersist = c.afterPersist

	var pending []Unit
	for _, u := range book.Units {
		if !processed.Has(u.ID) {
			pending = append(pending, u)
		}
	}

	log.WithFields(logrus.Fields{
		"total":    report.Total,
		"pending":  len(pending),
		"resumed":  resumed,
		"glossary": g.Len(),
		"source":   clientOpts.SourceLanguage,
		"target":   c.settings.TargetLanguage,
	}).Info("Starting translation")

	report.State = StateRunning
	p := &pool{
		workers:    opts.Workers,
		client:     client,
		glossary:   g,
		acc:        acc,
		processed:  processed,
		language:   c.settings.TargetLanguage,
		logger:     log,
		beforeUnit: c.beforeUnit,
	}
	p.onUnit = func(u Unit) {
		c.observe(Progress{
			JobID:  opts.JobID,
			State:  StateRunning.String(),
			Total:  report.Total,
			Done:   processed.Len(),
			Failed: int(p.failed.Load()),
			Unit:   u.ID,
		})
	}
	c.observe(Progress{JobID: opts.JobID, State: report.State.String(), Total: report.Total, Done: processed.Len()})

	tickerCtx, stopTicker := context.WithCancel(context.WithoutCancel(ctx))
	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		ticker := time.NewTicker(c.settings.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				c.saveCheckpoint(tickerCtx, log, opts.InputPath, fingerprint, report.Total, processed)
			}
		}
	}()

	runErr := p.run(ctx, pending)
	stopTicker()
	<-tickerDone

	durable, flushErr := acc.Flush()
	processed.Add(durable...)

	report.Done = processed.Len()
	for _, u := range book.Units {
		if !processed.Has(u.ID) {
			report.Unresolved = append(report.Unresolved, u.ID)
		}
	}

	var resultErr error
	switch {
	case runErr != nil || flushErr != nil:
		report.State = StateFailed
		resultErr = errors.Join(runErr, flushErr)
		c.saveCheckpoint(ctx, log, opts.InputPath, fingerprint, report.Total, processed)
	case report.Done == report.Total:
		report.State = StateCompleted
		if err := c.checkpoints.Delete(context.WithoutCancel(ctx), opts.InputPath); err != nil {
			log.WithField("phase", "checkpoint").Warnf("Failed to delete checkpoint: %v", err)
		}
		c.copyOutput(log, report)
	case ctx.Err() != nil:
		report.State = StateCancelled
		c.saveCheckpoint(ctx, log, opts.InputPath, fingerprint, report.Total, processed)
	default:
		report.State = StateFailed
		resultErr = fmt.Errorf("%w: %d of %d units unresolved", ErrIncomplete, len(report.Unresolved), report.Total)
		c.saveCheckpoint(ctx, log, opts.InputPath, fingerprint, report.Total, processed)
	}

	report.Duration = time.Since(start)
	c.observe(Progress{
		JobID:  opts.JobID,
		State:  report.State.String(),
		Total:  report.Total,
		Done:   report.Done,
		Failed: len(report.Unresolved),
	})

	log.WithFields(logrus.Fields{
		"state":    report.State.String(),
		"done":     report.Done,
		"total":    report.Total,
		"duration": report.Duration.Round(time.Millisecond),
	}).Info("Translation finished")

	return report, resultErr
}

func (c *Controller) sourceLanguage(book *Book, log *logrus.Entry) string {
	source := c.settings.SourceLanguage
	if source != "" && !strings.EqualFold(source, "auto") {
		return source
	}

	detected := book.DetectLanguage()
	if detected == "" {
		log.WithField("phase", "detect").Debug("Source language not detected")
		return ""
	}
	log.WithField("phase", "detect").Infof("Detected source language: %s", detected)
	return detected
}

// resume returns the processed set and, when a usable checkpoint and output
// exist, the output archive to continue from.
func (c *Controller) resume(ctx context.Context, log *logrus.Entry, opts Options, book *Book, fingerprint string) (*ProcessedSet, *epub.Archive, bool) {
	processed := NewProcessedSet()
	if !opts.Resume {
		return processed, nil, false
	}

	log = log.WithField("phase", "resume")

	state, err := c.checkpoints.Load(context.WithoutCancel(ctx), opts.InputPath)
	if err != nil {
		log.Warnf("Ignoring checkpoint: %v", err)
		return processed, nil, false
	}
	if state == nil {
		return processed, nil, false
	}
	if !state.Matches(fingerprint, len(book.Units)) {
		log.Warn("Checkpoint belongs to a different book, starting fresh")
		return processed, nil, false
	}

	output, err := epub.Open(opts.OutputPath)
	if err != nil {
		log.Warnf("Output archive unusable, starting fresh: %v", err)
		return processed, nil, false
	}

	known := make(map[string]struct{}, len(book.Units))
	for _, u := range book.Units {
		known[u.ID] = struct{}{}
	}
	for _, id := range state.ProcessedIDs {
		if _, ok := known[id]; ok {
			processed.Add(id)
		}
	}

	log.Infof("Resuming with %d of %d units done", processed.Len(), len(book.Units))
	return processed, output, true
}

func (c *Controller) saveCheckpoint(ctx context.Context, log *logrus.Entry, input, fingerprint string, total int, processed *ProcessedSet) {
	state := checkpoint.NewState(input, fingerprint, total, processed.IDs())
	if err := c.checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		log.WithField("phase", "checkpoint").Warnf("Failed to save checkpoint: %v", err)
	}
}

func (c *Controller) copyOutput(log *logrus.Entry, report *Report) {
	name := filepath.Base(report.OutputPath)

	copyTo := func(dir string) string {
		if dir == "" {
			return ""
		}
		dst := filepath.Join(dir, name)
		if abs(dst) == abs(report.OutputPath) {
			return dst
		}
		if err := epub.CopyFile(report.OutputPath, dst); err != nil {
			log.WithField("phase", "copy").Warnf("Failed to copy output to %s: %v", dir, err)
			return ""
		}
		return dst
	}

	report.TransientCopyPath = copyTo(c.settings.TempDir)
	report.PersistentCopyPath = copyTo(c.settings.OutputDir)
}

func abs(p string) string {
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}

// Summary is the one-line outcome printed by the CLI.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d of %d units translated", r.Done, r.Total)
}
