package job

import (
	"fmt"
	"strings"

	"github.com/abadojack/whatlanggo"

	"github.com/Watee22/epubTranslator/internal/epub"
)

// Kind is the type of a translation unit.
type Kind int

const (
	KindDocument Kind = iota
	KindTOCLink
	KindTOCSection
)

func (k Kind) String() string {
	switch k {
	case KindTOCLink:
		return "toc-link"
	case KindTOCSection:
		return "toc-section"
	default:
		return "document"
	}
}

// Unit is the smallest independently translated piece of a book.
type Unit struct {
	// ID is stable across runs: the manifest id of a document, or
	// "toc:<toc href>#<entry path>" for a table of contents title.
	ID   string
	Kind Kind
	// Name is the archive entry the unit belongs to.
	Name    string
	Payload string
	TOCPath string
}

// Book is a decomposed input archive.
type Book struct {
	Archive *epub.Archive
	Units   []Unit
	// TOCs maps archive entry names to their table of contents kind.
	TOCs map[string]epub.TOCKind
}

// Decompose splits an archive into units: one per titled table of contents
// entry and one per content document holding at least one text block.
func Decompose(a *epub.Archive) (*Book, error) {
	book := &Book{Archive: a, TOCs: make(map[string]epub.TOCKind)}

	for _, item := range a.TOCItems() {
		name := a.ItemPath(item)
		data, ok := a.File(name)
		if !ok {
			continue
		}

		kind := epub.TOCNav
		if item.IsNCX() {
			kind = epub.TOCNCX
		}

		toc, err := epub.ParseTOC(name, kind, data)
		if err != nil {
			return nil, err
		}
		book.TOCs[name] = kind

		toc.Walk(func(e epub.TOCEntry) {
			switch v := e.(type) {
			case *epub.Link:
				book.Units = append(book.Units, tocUnit(item, name, KindTOCLink, v.Path, v.Title))
			case *epub.Section:
				book.Units = append(book.Units, tocUnit(item, name, KindTOCSection, v.Path, v.Title))
			}
		})
	}

	for _, item := range a.ContentDocuments() {
		name := a.ItemPath(item)
		data, ok := a.File(name)
		if !ok {
			continue
		}

		doc, err := epub.ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		if len(doc.Blocks()) == 0 {
			continue
		}

		book.Units = append(book.Units, Unit{
			ID:      item.ID,
			Kind:    KindDocument,
			Name:    name,
			Payload: string(data),
		})
	}

	return book, nil
}

func tocUnit(item epub.Item, name string, kind Kind, path, title string) Unit {
	return Unit{
		ID:      "toc:" + item.Href + "#" + path,
		Kind:    kind,
		Name:    name,
		Payload: title,
		TOCPath: path,
	}
}

// IDs returns the unit ids in decomposition order.
func (b *Book) IDs() []string {
	ids := make([]string, len(b.Units))
	for i, u := range b.Units {
		ids[i] = u.ID
	}
	return ids
}

const detectSampleSize = 2000

// DetectLanguage guesses the book's language from its first documents. It
// returns an ISO 639-1 code, or "" when the guess is unreliable.
func (b *Book) DetectLanguage() string {
	var sample strings.Builder
	for _, u := range b.Units {
		if u.Kind != KindDocument {
			continue
		}
		doc, err := epub.ParseDocument([]byte(u.Payload))
		if err != nil {
			continue
		}
		sample.WriteString(strings.Join(strings.Fields(doc.Text()), " "))
		sample.WriteString(" ")
		if sample.Len() >= detectSampleSize {
			break
		}
	}

	if strings.TrimSpace(sample.String()) == "" {
		return ""
	}

	info := whatlanggo.Detect(sample.String())
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
