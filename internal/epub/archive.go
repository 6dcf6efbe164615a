package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidArchive is returned when a file is not a readable EPUB container.
var ErrInvalidArchive = errors.New("not a valid EPUB archive")

type entry struct {
	name     string
	method   uint16
	modified time.Time
	data     []byte
}

// Archive is an EPUB held fully in memory. Entries keep their original order
// so a rewritten archive stays byte-compatible with readers that care.
type Archive struct {
	Container   Container
	Package     Package
	PackagePath string

	entries []*entry
	index   map[string]*entry
}

// Open reads an EPUB from disk.
func Open(filePath string) (*Archive, error) {
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer func() { _ = reader.Close() }()

	return read(&reader.Reader)
}

// Read parses an EPUB from an in-memory or file-backed reader.
func Read(r io.ReaderAt, size int64) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return read(zr)
}

func read(zr *zip.Reader) (*Archive, error) {
	a := &Archive{index: make(map[string]*entry)}

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		data, err := readZipFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", ErrInvalidArchive, file.Name, err)
		}
		a.add(&entry{
			name:     file.Name,
			method:   file.Method,
			modified: file.Modified,
			data:     data,
		})
	}

	if mt, ok := a.File(mimetypeName); ok && strings.TrimSpace(string(mt)) != mimetypeContent {
		return nil, fmt.Errorf("%w: unexpected mimetype %q", ErrInvalidArchive, string(mt))
	}

	if err := a.parseContainer(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	if err := a.parsePackage(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	return a, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	return io.ReadAll(rc)
}

func (a *Archive) add(e *entry) {
	if existing, ok := a.index[e.name]; ok {
		*existing = *e
		return
	}
	a.entries = append(a.entries, e)
	a.index[e.name] = e
}

func (a *Archive) parseContainer() error {
	data, ok := a.File(containerPath)
	if !ok {
		return fmt.Errorf("missing %s", containerPath)
	}

	if err := xml.Unmarshal(data, &a.Container); err != nil {
		return fmt.Errorf("failed to parse container.xml: %w", err)
	}

	if len(a.Container.Rootfiles) == 0 {
		return fmt.Errorf("no rootfiles found in container.xml")
	}

	return nil
}

func (a *Archive) parsePackage() error {
	a.PackagePath = a.Container.Rootfiles[0].FullPath

	data, ok := a.File(a.PackagePath)
	if !ok {
		return fmt.Errorf("missing package document %s", a.PackagePath)
	}

	if err := xml.Unmarshal(data, &a.Package); err != nil {
		return fmt.Errorf("failed to parse package file: %w", err)
	}

	if len(a.Package.Manifest.Items) == 0 {
		return fmt.Errorf("no manifest items found")
	}

	return nil
}

// File returns the content of an archive entry.
func (a *Archive) File(name string) ([]byte, bool) {
	e, ok := a.index[name]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// SetFile replaces (or adds) an archive entry. The slice is retained.
func (a *Archive) SetFile(name string, data []byte) {
	if e, ok := a.index[name]; ok {
		e.data = data
		e.modified = time.Now()
		return
	}
	a.add(&entry{name: name, method: zip.Deflate, modified: time.Now(), data: data})
}

// Names lists entry names in archive order.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		names = append(names, e.name)
	}
	return names
}

// Clone returns an independent copy. Entry data slices are shared because
// they are never modified in place.
func (a *Archive) Clone() *Archive {
	c := &Archive{
		Container:   a.Container,
		Package:     a.Package,
		PackagePath: a.PackagePath,
		entries:     make([]*entry, 0, len(a.entries)),
		index:       make(map[string]*entry, len(a.entries)),
	}
	for _, e := range a.entries {
		cp := *e
		c.add(&cp)
	}
	return c
}

// ItemPath resolves a manifest item href to its archive entry name.
func (a *Archive) ItemPath(item Item) string {
	href := item.Href
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	return path.Join(path.Dir(a.PackagePath), href)
}

// ContentDocuments returns the renderable (X)HTML items, excluding the
// navigation document, in manifest order.
func (a *Archive) ContentDocuments() []Item {
	var items []Item
	for _, item := range a.Package.Manifest.Items {
		if !item.IsContentDocument() || item.IsNav() {
			continue
		}
		items = append(items, item)
	}
	return items
}

// TOCItems returns the NCX and nav manifest items, in that order, when present.
func (a *Archive) TOCItems() []Item {
	var ncx, nav []Item
	for _, item := range a.Package.Manifest.Items {
		switch {
		case item.IsNCX():
			ncx = append(ncx, item)
		case item.IsNav():
			nav = append(nav, item)
		}
	}
	return append(ncx, nav...)
}

var (
	languageElement = regexp.MustCompile(`(?s)(<(?:[A-Za-z0-9_-]+:)?language\b[^>]*>)(.*?)(</(?:[A-Za-z0-9_-]+:)?language>)`)
	metadataClose   = regexp.MustCompile(`</(?:[A-Za-z0-9_-]+:)?metadata>`)
)

// SetLanguage rewrites the dc:language of the package document. The rest of
// the OPF is left byte-for-byte intact.
func (a *Archive) SetLanguage(lang string) error {
	data, ok := a.File(a.PackagePath)
	if !ok {
		return fmt.Errorf("missing package document %s", a.PackagePath)
	}

	escaped := escapeXML(lang)
	var updated []byte
	if loc := languageElement.FindSubmatchIndex(data); loc != nil {
		updated = make([]byte, 0, len(data)+len(escaped))
		updated = append(updated, data[:loc[4]]...)
		updated = append(updated, escaped...)
		updated = append(updated, data[loc[5]:]...)
	} else if loc := metadataClose.FindIndex(data); loc != nil {
		insert := fmt.Sprintf("<dc:language xmlns:dc=\"http://purl.org/dc/elements/1.1/\">%s</dc:language>\n", escaped)
		updated = make([]byte, 0, len(data)+len(insert))
		updated = append(updated, data[:loc[0]]...)
		updated = append(updated, insert...)
		updated = append(updated, data[loc[0]:]...)
	} else {
		return fmt.Errorf("package document %s has no metadata element", a.PackagePath)
	}

	a.SetFile(a.PackagePath, updated)
	a.Package.Metadata.Language = lang
	return nil
}

// Bytes serialises the archive.
func (a *Archive) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func escapeXML(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
