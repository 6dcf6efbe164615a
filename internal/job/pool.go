package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Watee22/epubTranslator/internal/epub"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/translation"
)

// pool runs a fixed number of workers over one queue of units.
type pool struct {
	workers   int
	client    *translation.Client
	glossary  *glossary.Glossary
	acc       *Accumulator
	processed *ProcessedSet
	language  string
	logger    *logrus.Entry

	failed atomic.Int64
	onUnit func(u Unit)

	// beforeUnit runs ahead of each unit; tests use it to inject faults
	beforeUnit func(u Unit)
}

// run blocks until the queue is drained or ctx is cancelled and every
// in-flight unit has been merged.
func (p *pool) run(ctx context.Context, units []Unit) error {
	queue := make(chan Unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	workers := p.workers
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker, queue)
			return nil
		})
	}
	return g.Wait()
}

func (p *pool) work(ctx context.Context, worker int, queue <-chan Unit) {
	for {
		if ctx.Err() != nil {
			return
		}

		u, ok := <-queue
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if p.processed.Has(u.ID) {
			continue
		}

		p.process(ctx, worker, u)
	}
}

func (p *pool) process(ctx context.Context, worker int, u Unit) {
	log := p.logger.WithFields(logrus.Fields{
		"unit":   u.ID,
		"worker": worker,
	})

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.WithField("phase", "worker").Errorf("Worker fault, unit left unresolved: %v\n%s", r, debug.Stack())
			p.notify(u)
		}
	}()

	if p.beforeUnit != nil {
		p.beforeUnit(u)
	}

	var content string
	var complete bool
	switch u.Kind {
	case KindDocument:
		var err error
		content, complete, err = p.translateDocument(ctx, log, u)
		if err != nil {
			p.failed.Add(1)
			log.WithField("phase", "translate").Errorf("Document left unresolved: %v", err)
			p.notify(u)
			return
		}
	default:
		res := p.client.TranslateText(ctx, u.Payload, p.glossary)
		if !res.Success || strings.TrimSpace(res.Text) == "" {
			p.failed.Add(1)
			log.WithField("phase", "translate").Warnf("Title left untranslated: %v", res.Err)
			p.notify(u)
			return
		}
		content, complete = res.Text, true
	}

	durable, err := p.acc.Merge(u, content, complete)
	if err != nil {
		log.WithField("phase", "merge").Warnf("Merge not yet durable: %v", err)
	}
	p.processed.Add(durable...)

	if !complete {
		p.failed.Add(1)
	}
	log.WithField("complete", complete).Debug("Unit merged")
	p.notify(u)
}

func (p *pool) notify(u Unit) {
	if p.onUnit != nil {
		p.onUnit(u)
	}
}

// translateDocument translates every block of a document in order. A block
// that fails keeps its source text and marks the document incomplete.
func (p *pool) translateDocument(ctx context.Context, log *logrus.Entry, u Unit) (string, bool, error) {
	doc, err := epub.ParseDocument([]byte(u.Payload))
	if err != nil {
		return "", false, err
	}

	complete := true
	for i, block := range doc.Blocks() {
		raw, err := epub.OuterHTML(block)
		if err != nil {
			return "", false, fmt.Errorf("failed to render block %d: %w", i, err)
		}

		res := p.client.TranslateMarkup(ctx, raw, p.glossary)
		if !res.Success {
			complete = false
			log.WithFields(logrus.Fields{"phase": "translate", "block": i}).Warnf("Block left untranslated: %v", res.Err)
			continue
		}
		if res.Source == translation.SourceUnchanged {
			continue
		}

		if err := epub.ReplaceBlock(block, res.Text); err != nil {
			log.WithFields(logrus.Fields{"phase": "translate", "block": i}).Warnf("Keeping source block: %v", err)
		}
	}

	doc.SetLanguage(p.language)
	out, err := doc.Render()
	if err != nil {
		return "", false, err
	}
	return string(out), complete, nil
}
