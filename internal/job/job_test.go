package job

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watee22/epubTranslator/internal/checkpoint"
	"github.com/Watee22/epubTranslator/internal/epub"
	"github.com/Watee22/epubTranslator/internal/epub/epubtest"
	"github.com/Watee22/epubTranslator/internal/glossary"
	"github.com/Watee22/epubTranslator/internal/translation"
)

var textBetweenTags = regexp.MustCompile(`>([^<]*[A-Za-z][^<]*)<`)

// fakeBackend prefixes every text run with "译:".
type fakeBackend struct {
	calls atomic.Int32
	fail  func(text string) error
	hold  func()
}

func (f *fakeBackend) Translate(_ context.Context, text, prompt string) (string, error) {
	f.calls.Add(1)
	if f.hold != nil {
		f.hold()
	}
	if f.fail != nil {
		if err := f.fail(text); err != nil {
			return "", err
		}
	}
	if strings.Contains(prompt, "XHTML") {
		return textBetweenTags.ReplaceAllString(text, ">译:$1<"), nil
	}
	return "译:" + text, nil
}

func newTestController(t *testing.T, dir string, backend translation.Backend) *Controller {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewController(
		backend,
		translation.Options{},
		glossary.NewStore(dir, logger),
		checkpoint.NewFileStore(dir),
		Settings{
			TargetLanguage:     "zh-CN",
			SourceLanguage:     "en",
			Workers:            3,
			CheckpointInterval: time.Hour,
			TempDir:            filepath.Join(dir, "tmp"),
			OutputDir:          filepath.Join(dir, "out"),
		},
		logger,
	)
}

func readEntry(t *testing.T, path, name string) string {
	t.Helper()
	a, err := epub.Open(path)
	require.NoError(t, err)
	data, ok := a.File(name)
	require.True(t, ok, name)
	return string(data)
}

func TestDecompose(t *testing.T) {
	book := epubtest.Simple(2)
	book.Chapters = append(book.Chapters, epubtest.Chapter{ID: "art", Body: `<div><img src="images/a.png"/></div>`})
	book.TOC = []epubtest.TOCNode{
		{Title: "Chapter 1", Href: "ch1.xhtml"},
		{Title: "", Href: "ch2.xhtml", Children: []epubtest.TOCNode{
			{Title: "Chapter 2", Href: "ch2.xhtml"},
		}},
	}
	data := epubtest.Build(book)
	a, err := epub.Read(strings.NewReader(string(data)), int64(len(data)))
	require.NoError(t, err)

	b, err := Decompose(a)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"toc:toc.ncx#0", "toc:toc.ncx#1.0",
		"toc:nav.xhtml#0", "toc:nav.xhtml#1.0",
		"ch1", "ch2",
	}, b.IDs())
	assert.Equal(t, KindTOCLink, b.Units[0].Kind)
	assert.Equal(t, "Chapter 2", b.Units[1].Payload)
	assert.Equal(t, "OEBPS/toc.ncx", b.Units[1].Name)
	assert.Equal(t, KindDocument, b.Units[4].Kind)
	assert.Equal(t, "OEBPS/ch1.xhtml", b.Units[4].Name)
	assert.Len(t, b.TOCs, 2)
}

func TestDetectLanguage(t *testing.T) {
	book := epubtest.Simple(0)
	book.Chapters = []epubtest.Chapter{{
		ID:    "ch1",
		Title: "The Old House",
		Paragraphs: []string{
			"The house stood at the end of the road, where the fields gave way to the forest and the river turned north.",
			"Nobody had lived there for many years, but every evening the windows were bright, and the children of the village would whisper about it on their way home from school.",
			"One autumn morning a young woman arrived with a single suitcase and a letter from a lawyer in the city.",
		},
	}}
	data := epubtest.Build(book)
	a, err := epub.Read(strings.NewReader(string(data)), int64(len(data)))
	require.NoError(t, err)

	b, err := Decompose(a)
	require.NoError(t, err)
	assert.Equal(t, "en", b.DetectLanguage())
}

func TestLanguageSuffix(t *testing.T) {
	assert.Equal(t, "_cn", LanguageSuffix("zh-CN"))
	assert.Equal(t, "_fr", LanguageSuffix("fr"))
	assert.Equal(t, "_br", LanguageSuffix("pt-BR"))
}

func TestRunCompletes(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(3))
	backend := &fakeBackend{}
	c := newTestController(t, dir, backend)

	var mu sync.Mutex
	var events []Progress
	c.SetObserver(func(p Progress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	})

	report, err := c.Run(context.Background(), Options{InputPath: input, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 9, report.Total)
	assert.Equal(t, 9, report.Done)
	assert.Empty(t, report.Unresolved)
	assert.Equal(t, filepath.Join(dir, "book_cn.epub"), report.OutputPath)
	assert.Equal(t, "9 of 9 units translated", report.Summary())

	_, err = os.Stat(filepath.Join(dir, "book_translation_checkpoint.json"))
	assert.True(t, os.IsNotExist(err), "checkpoint must be removed on completion")

	out, err := epub.Open(report.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "zh-CN", out.Package.Metadata.Language)

	ch1 := readEntry(t, report.OutputPath, "OEBPS/ch1.xhtml")
	assert.Contains(t, ch1, "<h1>译:Chapter 1</h1>")
	assert.Contains(t, ch1, "<p>译:The <em>译:second</em>译: paragraph of chapter 1.</p>")
	assert.Contains(t, ch1, `lang="zh-CN"`)
	assert.True(t, strings.HasPrefix(ch1, `<?xml version="1.0" encoding="UTF-8"?>`))

	ncx := readEntry(t, report.OutputPath, "OEBPS/toc.ncx")
	nav := readEntry(t, report.OutputPath, "OEBPS/nav.xhtml")
	for _, title := range []string{"译:Chapter 1", "译:Chapter 2", "译:Chapter 3"} {
		assert.Contains(t, ncx, "<text>"+title+"</text>")
		assert.Contains(t, nav, ">"+title+"</a>")
	}

	assert.Equal(t, "p { margin: 0; }\n", readEntry(t, report.OutputPath, "OEBPS/style.css"))

	require.NotEmpty(t, report.TransientCopyPath)
	require.NotEmpty(t, report.PersistentCopyPath)
	assert.FileExists(t, report.TransientCopyPath)
	assert.FileExists(t, report.PersistentCopyPath)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.State)
	assert.Equal(t, 9, last.Done)
}

func TestRunRejectsNonEPUB(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "book.epub")
	require.NoError(t, os.WriteFile(input, []byte("definitely not a zip"), 0o644))

	c := newTestController(t, dir, &fakeBackend{})
	report, err := c.Run(context.Background(), Options{InputPath: input, Resume: true})
	assert.ErrorIs(t, err, ErrInputFormat)
	assert.Equal(t, StateFailed, report.State)
	assert.NoFileExists(t, filepath.Join(dir, "book_cn.epub"))
}

func TestFailedUnitsResumeWithoutRetranslating(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(3))

	flaky := &fakeBackend{fail: func(text string) error {
		if strings.Contains(text, "Chapter 2") {
			return errors.New("quota exceeded")
		}
		return nil
	}}
	report, err := newTestController(t, dir, flaky).Run(context.Background(), Options{InputPath: input, Resume: true})
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, 6, report.Done)
	assert.ElementsMatch(t, []string{"toc:toc.ncx#1", "toc:nav.xhtml#1", "ch2"}, report.Unresolved)

	state, err := checkpoint.NewFileStore(dir).Load(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Len(t, state.ProcessedIDs, 6)
	assert.NotContains(t, state.ProcessedIDs, "ch2")

	partial := readEntry(t, report.OutputPath, "OEBPS/ch2.xhtml")
	assert.Contains(t, partial, "<h1>Chapter 2</h1>")
	assert.Contains(t, partial, "译:This is the first paragraph of chapter 2.")

	healthy := &fakeBackend{}
	report, err = newTestController(t, dir, healthy).Run(context.Background(), Options{InputPath: input, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.True(t, report.Resumed)
	// two titles plus the three blocks of ch2
	assert.Equal(t, int32(5), healthy.calls.Load())

	assert.Contains(t, readEntry(t, report.OutputPath, "OEBPS/ch2.xhtml"), "<h1>译:Chapter 2</h1>")
	ncx := readEntry(t, report.OutputPath, "OEBPS/toc.ncx")
	for _, title := range []string{"译:Chapter 1", "译:Chapter 2", "译:Chapter 3"} {
		assert.Contains(t, ncx, "<text>"+title+"</text>")
	}
}

func TestResumeIgnoresUnusableCheckpoint(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, store *checkpoint.FileStore, input string)
	}{
		{
			name: "different book",
			write: func(t *testing.T, store *checkpoint.FileStore, input string) {
				state := checkpoint.NewState(input, "other", 9, []string{"ch1", "ch2", "ch3"})
				require.NoError(t, store.Save(context.Background(), state))
			},
		},
		{
			name: "corrupt",
			write: func(t *testing.T, store *checkpoint.FileStore, input string) {
				require.NoError(t, os.WriteFile(store.Path(input), []byte("{not json"), 0o644))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(3))
			tc.write(t, checkpoint.NewFileStore(dir), input)

			backend := &fakeBackend{}
			report, err := newTestController(t, dir, backend).Run(context.Background(), Options{InputPath: input, Resume: true})
			require.NoError(t, err)
			assert.False(t, report.Resumed)
			assert.Equal(t, StateCompleted, report.State)
			assert.Contains(t, readEntry(t, report.OutputPath, "OEBPS/ch1.xhtml"), "译:Chapter 1")
		})
	}
}

func TestConcurrentMergesKeepEverySnapshotReadable(t *testing.T) {
	dir := t.TempDir()
	book := epubtest.Simple(50)
	book.Nav = false
	input := epubtest.Write(t, dir, "big.epub", book)

	c := newTestController(t, dir, &fakeBackend{})
	c.settings.CheckpointInterval = 5 * time.Millisecond

	var snapshots, broken atomic.Int32
	c.afterPersist = func(path string) {
		snapshots.Add(1)
		if _, err := epub.Open(path); err != nil {
			broken.Add(1)
		}
	}

	report, err := c.Run(context.Background(), Options{InputPath: input, Workers: 8, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Equal(t, 100, report.Total)
	assert.Equal(t, 100, report.Done)
	assert.Equal(t, int32(100), snapshots.Load())
	assert.Equal(t, int32(0), broken.Load())

	for _, name := range []string{"OEBPS/ch1.xhtml", "OEBPS/ch25.xhtml", "OEBPS/ch50.xhtml"} {
		assert.Contains(t, readEntry(t, report.OutputPath, name), "译:This is the first paragraph")
	}
}

func TestCancellationDrainsInFlightUnitsOnly(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(3))

	const workers = 2
	started := make(chan struct{}, workers)
	release := make(chan struct{})
	var held atomic.Int32
	backend := &fakeBackend{hold: func() {
		if held.Add(1) <= workers {
			started <- struct{}{}
			<-release
		}
	}}
	c := newTestController(t, dir, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := c.Run(ctx, Options{InputPath: input, Workers: workers, Resume: true})
		done <- result{report, err}
	}()

	for i := 0; i < workers; i++ {
		<-started
	}
	cancel()
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateCancelled, res.report.State)
	assert.Equal(t, workers, res.report.Done)
	assert.Equal(t, int32(workers), backend.calls.Load())

	state, err := checkpoint.NewFileStore(dir).Load(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.ElementsMatch(t, []string{"toc:toc.ncx#0", "toc:toc.ncx#1"}, state.ProcessedIDs)

	out, err := epub.Open(res.report.OutputPath)
	require.NoError(t, err)
	ncx, _ := out.File("OEBPS/toc.ncx")
	assert.Contains(t, string(ncx), "<text>译:Chapter 1</text>")
	assert.Contains(t, string(ncx), "<text>Chapter 3</text>")
}

func TestWorkerFaultLeavesUnitUnresolved(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(3))

	c := newTestController(t, dir, &fakeBackend{})
	c.beforeUnit = func(u Unit) {
		if u.ID == "ch2" {
			panic("simulated fault")
		}
	}

	report, err := c.Run(context.Background(), Options{InputPath: input, Workers: 1, Resume: true})
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, []string{"ch2"}, report.Unresolved)
	assert.Equal(t, 8, report.Done)
}

func TestGlossaryTermsSkipBackend(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "book.epub", epubtest.Simple(1))
	backend := &fakeBackend{}

	report, err := newTestController(t, dir, backend).Run(context.Background(), Options{
		InputPath:    input,
		Resume:       true,
		UserGlossary: glossary.Terms{"Chapter 1": "第一章"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	// only the two paragraphs reach the backend
	assert.Equal(t, int32(2), backend.calls.Load())

	assert.Contains(t, readEntry(t, report.OutputPath, "OEBPS/ch1.xhtml"), "<h1>第一章</h1>")
	assert.Contains(t, readEntry(t, report.OutputPath, "OEBPS/toc.ncx"), "<text>第一章</text>")
	assert.FileExists(t, filepath.Join(dir, "book_glossary.json"))
}

func TestSelfClosedElementsKeepDocumentStructure(t *testing.T) {
	dir := t.TempDir()
	input := epubtest.Write(t, dir, "pages.epub", epubtest.Book{
		Title:    "Pages",
		Language: "en",
		NCX:      true,
		Chapters: []epubtest.Chapter{
			{
				ID:    "ch1",
				Title: "Chapter 1",
				Body:  `<p><a id="page5"/>First paragraph.</p><p>Second paragraph.</p><div class="sep"/><p>Third.</p>`,
			},
			{
				ID:    "ch2",
				Title: "Chapter 2",
				Document: `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title/></head><body><p>Hidden paragraph.</p></body></html>`,
			},
		},
	})

	report, err := newTestController(t, dir, &fakeBackend{}).Run(context.Background(), Options{InputPath: input, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, report.State)
	assert.Empty(t, report.Unresolved)

	ch1 := readEntry(t, report.OutputPath, "OEBPS/ch1.xhtml")
	assert.Equal(t, 1, strings.Count(ch1, `id="page5"`))
	assert.Equal(t, 3, strings.Count(ch1, "<p>"))
	assert.Contains(t, ch1, `<p><a id="page5"></a>译:First paragraph.</p>`)
	assert.Contains(t, ch1, "<p>译:Second paragraph.</p>")
	assert.Contains(t, ch1, `<div class="sep"></div><p>译:Third.</p>`)

	ch2 := readEntry(t, report.OutputPath, "OEBPS/ch2.xhtml")
	assert.Contains(t, ch2, "<title></title>")
	assert.Contains(t, ch2, "<p>译:Hidden paragraph.</p>")
}

func TestAccumulatorRetriesFailedPersist(t *testing.T) {
	dir := t.TempDir()
	archive, err := epub.Open(epubtest.Write(t, dir, "book.epub", epubtest.Simple(2)))
	require.NoError(t, err)

	// a regular file where the output directory should be makes Save fail
	blocker := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "book_cn.epub")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	acc, err := NewAccumulator(archive, path, nil, logger)
	require.NoError(t, err)

	chapter := func(id string) Unit {
		return Unit{ID: id, Kind: KindDocument, Name: "OEBPS/" + id + ".xhtml"}
	}

	durable, err := acc.Merge(chapter("ch1"), "<html><body><p>一</p></body></html>", true)
	require.Error(t, err)
	assert.Empty(t, durable)
	assert.NoFileExists(t, path)

	require.NoError(t, os.Remove(blocker))

	durable, err = acc.Merge(chapter("ch2"), "<html><body><p>二</p></body></html>", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1", "ch2"}, durable)
	assert.Contains(t, readEntry(t, path, "OEBPS/ch1.xhtml"), "<p>一</p>")
	assert.Contains(t, readEntry(t, path, "OEBPS/ch2.xhtml"), "<p>二</p>")

	durable, err = acc.Flush()
	require.NoError(t, err)
	assert.Empty(t, durable)
}

func TestAccumulatorFlushPersistsPendingMerges(t *testing.T) {
	dir := t.TempDir()
	archive, err := epub.Open(epubtest.Write(t, dir, "book.epub", epubtest.Simple(2)))
	require.NoError(t, err)

	blocker := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "book_cn.epub")

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	acc, err := NewAccumulator(archive, path, nil, logger)
	require.NoError(t, err)

	durable, err := acc.Merge(Unit{ID: "ch1", Kind: KindDocument, Name: "OEBPS/ch1.xhtml"}, "<html><body><p>一</p></body></html>", true)
	require.Error(t, err)
	assert.Empty(t, durable)

	// partial merges are written but never reported durable
	durable, err = acc.Merge(Unit{ID: "ch2", Kind: KindDocument, Name: "OEBPS/ch2.xhtml"}, "<html><body><p>二</p></body></html>", false)
	require.Error(t, err)
	assert.Empty(t, durable)

	_, err = acc.Flush()
	require.Error(t, err)

	require.NoError(t, os.Remove(blocker))

	durable, err = acc.Flush()
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1"}, durable)
	assert.Contains(t, readEntry(t, path, "OEBPS/ch1.xhtml"), "<p>一</p>")
	assert.Contains(t, readEntry(t, path, "OEBPS/ch2.xhtml"), "<p>二</p>")
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	data := epubtest.Build(epubtest.Simple(3))
	write := func(dir string) string {
		p := filepath.Join(dir, "book.epub")
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	straightDir := t.TempDir()
	straight, err := newTestController(t, straightDir, &fakeBackend{}).Run(context.Background(), Options{
		InputPath: write(straightDir),
		Workers:   1,
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, straight.State)

	dir := t.TempDir()
	input := write(dir)

	const stopAfter = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := newTestController(t, dir, &fakeBackend{})
	first.SetObserver(func(p Progress) {
		if p.Unit != "" && p.Done >= stopAfter {
			cancel()
		}
	})
	interrupted, err := first.Run(ctx, Options{InputPath: input, Workers: 1, Resume: true})
	require.NoError(t, err)
	require.Equal(t, StateCancelled, interrupted.State)
	assert.Equal(t, stopAfter, interrupted.Done)

	checkpointPath := filepath.Join(dir, "book_translation_checkpoint.json")
	require.FileExists(t, checkpointPath)

	backend := &fakeBackend{}
	resumed, err := newTestController(t, dir, backend).Run(context.Background(), Options{
		InputPath: input,
		Workers:   1,
		Resume:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, resumed.State)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, straight.Total, resumed.Done)
	assert.NoFileExists(t, checkpointPath)

	want, err := epub.Open(straight.OutputPath)
	require.NoError(t, err)
	got, err := epub.Open(resumed.OutputPath)
	require.NoError(t, err)

	require.ElementsMatch(t, want.Names(), got.Names())
	for _, name := range want.Names() {
		a, _ := want.File(name)
		b, _ := got.File(name)
		assert.Equal(t, string(a), string(b), name)
	}
}
