package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Watee22/epubTranslator/internal/job"
)

var (
	errJobNotFound = errors.New("job not found")
	errJobFinished = errors.New("job already finished")
)

// activeJobError rejects a job whose input is already being translated.
type activeJobError struct {
	id string
}

func (e *activeJobError) Error() string {
	return fmt.Sprintf("job %s is already translating this input", e.id)
}

// Runner runs one translation job. *job.Controller implements it.
type Runner interface {
	Run(ctx context.Context, opts job.Options) (*job.Report, error)
}

// JobInfo is the externally visible state of a job.
type JobInfo struct {
	ID                 string     `json:"id"`
	InputName          string     `json:"input_name"`
	State              string     `json:"state"`
	Total              int        `json:"total"`
	Done               int        `json:"done"`
	Failed             int        `json:"failed"`
	Resumed            bool       `json:"resumed"`
	Unresolved         []string   `json:"unresolved,omitempty"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	InputPath          string     `json:"-"`
	OutputPath         string     `json:"-"`
	PersistentCopyPath string     `json:"-"`
}

func (j JobInfo) terminal() bool {
	return j.FinishedAt != nil
}

func (j JobInfo) percent() float64 {
	if j.Total == 0 {
		return 0
	}
	return float64(j.Done) / float64(j.Total) * 100
}

type jobEntry struct {
	info   JobInfo
	cancel context.CancelFunc
}

// jobManager tracks the jobs started through the HTTP surface.
type jobManager struct {
	runner Runner
	hub    *Hub
	logger *logrus.Logger

	mu   sync.RWMutex
	jobs map[string]*jobEntry

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func newJobManager(runner Runner, hub *Hub, logger *logrus.Logger) *jobManager {
	ctx, stop := context.WithCancel(context.Background())
	return &jobManager{
		runner: runner,
		hub:    hub,
		logger: logger,
		jobs:   make(map[string]*jobEntry),
		ctx:    ctx,
		stop:   stop,
	}
}

// start runs opts in the background. opts.JobID must be set. Only one job
// at a time may work on an input path, since they would share its
// checkpoint and output.
func (m *jobManager) start(opts job.Options, inputName string) (JobInfo, error) {
	m.mu.Lock()
	for id, entry := range m.jobs {
		if entry.info.InputPath == opts.InputPath && !entry.info.terminal() {
			m.mu.Unlock()
			return JobInfo{}, &activeJobError{id: id}
		}
	}

	ctx, cancel := context.WithCancel(m.ctx)
	entry := &jobEntry{
		info: JobInfo{
			ID:         opts.JobID,
			InputName:  inputName,
			State:      job.StateInitializing.String(),
			StartedAt:  time.Now(),
			InputPath:  opts.InputPath,
			OutputPath: opts.OutputPath,
		},
		cancel: cancel,
	}
	m.jobs[opts.JobID] = entry
	info := entry.info
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		report, err := m.runner.Run(ctx, opts)
		m.finish(opts.JobID, report, err)
	}()

	return info, nil
}

// observe is the controller's progress observer.
func (m *jobManager) observe(p job.Progress) {
	m.mu.Lock()
	entry, ok := m.jobs[p.JobID]
	if ok && !entry.info.terminal() {
		entry.info.State = p.State
		entry.info.Total = p.Total
		entry.info.Done = p.Done
		entry.info.Failed = p.Failed
	}
	m.mu.Unlock()

	ev := ProgressEvent{
		JobID:  p.JobID,
		State:  p.State,
		Total:  p.Total,
		Done:   p.Done,
		Failed: p.Failed,
		Unit:   p.Unit,
	}
	if p.Total > 0 {
		ev.ProgressPercent = float64(p.Done) / float64(p.Total) * 100
	}
	m.hub.Publish(EventJobProgress, ev)
}

func (m *jobManager) finish(id string, report *job.Report, err error) {
	now := time.Now()

	m.mu.Lock()
	entry, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	info := &entry.info
	info.FinishedAt = &now
	if report != nil {
		info.State = report.State.String()
		info.Total = report.Total
		info.Done = report.Done
		info.Failed = len(report.Unresolved)
		info.Resumed = report.Resumed
		info.Unresolved = report.Unresolved
		info.OutputPath = report.OutputPath
		info.PersistentCopyPath = report.PersistentCopyPath
	} else {
		info.State = job.StateFailed.String()
	}
	if err != nil {
		info.Error = err.Error()
	}
	snapshot := *info
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"job": id, "state": snapshot.State})
	if err != nil {
		log.Warnf("Job ended with error: %v", err)
		m.hub.Publish(EventJobError, snapshot)
		return
	}
	log.Info("Job finished")
	m.hub.Publish(EventJobComplete, snapshot)
}

func (m *jobManager) get(id string) (JobInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return entry.info, true
}

// list returns every job, newest first.
func (m *jobManager) list() []JobInfo {
	m.mu.RLock()
	jobs := make([]JobInfo, 0, len(m.jobs))
	for _, entry := range m.jobs {
		jobs = append(jobs, entry.info)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs
}

// cancel asks a running job to stop taking new units.
func (m *jobManager) cancel(id string) error {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	var finished bool
	if ok {
		finished = entry.info.terminal()
	}
	m.mu.RUnlock()

	if !ok {
		return errJobNotFound
	}
	if finished {
		return errJobFinished
	}
	entry.cancel()
	return nil
}

// close cancels every running job and waits for them to checkpoint.
func (m *jobManager) close() {
	m.stop()
	m.wg.Wait()
}
