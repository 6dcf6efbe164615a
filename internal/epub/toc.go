package epub

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

type TOCKind int

const (
	TOCNCX TOCKind = iota
	TOCNav
)

func (k TOCKind) String() string {
	if k == TOCNav {
		return "nav"
	}
	return "ncx"
}

// TOCEntry is one node of a table of contents. The set of implementations
// is closed: *Link, *Section and *Passthrough.
type TOCEntry interface {
	EntryPath() string
	isTOCEntry()
}

// Link is a titled leaf entry.
type Link struct {
	Path  string
	Title string
	Href  string
}

// Section is a titled entry with children.
type Section struct {
	Path     string
	Title    string
	Href     string
	Children []TOCEntry
}

// Passthrough is a structural node without a translatable title. Its
// children are still part of the tree.
type Passthrough struct {
	Path     string
	Children []TOCEntry
}

func (l *Link) EntryPath() string        { return l.Path }
func (s *Section) EntryPath() string     { return s.Path }
func (p *Passthrough) EntryPath() string { return p.Path }

func (*Link) isTOCEntry()        {}
func (*Section) isTOCEntry()     {}
func (*Passthrough) isTOCEntry() {}

type span struct {
	start, end int64
}

// TOC is a parsed NCX or nav document. Titles are located by byte offsets
// into the raw document so rendering rewrites nothing but the title text.
type TOC struct {
	Name    string
	Kind    TOCKind
	Entries []TOCEntry

	raw    []byte
	labels map[string][]span
}

type tocNode struct {
	path     string
	href     string
	title    strings.Builder
	spans    []span
	labelled bool
	children []*tocNode
}

// ParseTOC parses an NCX or nav document.
func ParseTOC(name string, kind TOCKind, data []byte) (*TOC, error) {
	p := &tocParser{kind: kind}
	if err := p.parse(data); err != nil {
		return nil, fmt.Errorf("failed to parse %s %s: %w", kind, name, err)
	}

	t := &TOC{
		Name:   name,
		Kind:   kind,
		raw:    data,
		labels: make(map[string][]span),
	}
	t.Entries = t.build(p.roots)
	return t, nil
}

func (t *TOC) build(nodes []*tocNode) []TOCEntry {
	entries := make([]TOCEntry, 0, len(nodes))
	for _, n := range nodes {
		children := t.build(n.children)
		title := strings.Join(strings.Fields(n.title.String()), " ")

		switch {
		case title == "" || len(n.spans) == 0:
			entries = append(entries, &Passthrough{Path: n.path, Children: children})
		case len(children) > 0:
			t.labels[n.path] = n.spans
			entries = append(entries, &Section{Path: n.path, Title: title, Href: n.href, Children: children})
		default:
			t.labels[n.path] = n.spans
			entries = append(entries, &Link{Path: n.path, Title: title, Href: n.href})
		}
	}
	return entries
}

// Walk visits every entry depth-first in document order.
func (t *TOC) Walk(fn func(TOCEntry)) {
	var walk func([]TOCEntry)
	walk = func(entries []TOCEntry) {
		for _, e := range entries {
			fn(e)
			switch v := e.(type) {
			case *Section:
				walk(v.Children)
			case *Passthrough:
				walk(v.Children)
			}
		}
	}
	walk(t.Entries)
}

// Render returns the document with the titles at the given paths replaced.
// Paths not present in titles keep their current text.
func (t *TOC) Render(titles map[string]string) []byte {
	type edit struct {
		span
		text string
	}

	var edits []edit
	for path, title := range titles {
		spans, ok := t.labels[path]
		if !ok {
			continue
		}
		for i, s := range spans {
			text := ""
			if i == 0 {
				text = escapeXML(title)
			}
			edits = append(edits, edit{span: s, text: text})
		}
	}

	if len(edits) == 0 {
		return t.raw
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })

	var buf bytes.Buffer
	buf.Grow(len(t.raw))
	var pos int64
	for _, e := range edits {
		buf.Write(t.raw[pos:e.start])
		buf.WriteString(e.text)
		pos = e.end
	}
	buf.Write(t.raw[pos:])
	return buf.Bytes()
}

type tocParser struct {
	kind  TOCKind
	roots []*tocNode

	stack []string
	nodes []*tocNode

	// nav only
	navDepth   int
	labelDepth int
	// ncx only
	inText bool
}

func (p *tocParser) parse(data []byte) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Strict = false
	d.AutoClose = xml.HTMLAutoClose
	d.Entity = xml.HTMLEntity

	for {
		start := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch v := tok.(type) {
		case xml.StartElement:
			p.stack = append(p.stack, v.Name.Local)
			if p.kind == TOCNCX {
				p.startNCX(v)
			} else {
				p.startNav(v)
			}
		case xml.EndElement:
			if p.kind == TOCNCX {
				p.endNCX(v)
			} else {
				p.endNav(v)
			}
			if len(p.stack) > 0 {
				p.stack = p.stack[:len(p.stack)-1]
			}
		case xml.CharData:
			if p.capturing() {
				n := p.nodes[len(p.nodes)-1]
				n.title.Write(v)
				n.spans = append(n.spans, span{start: start, end: d.InputOffset()})
			}
		}
	}
}

func (p *tocParser) capturing() bool {
	if len(p.nodes) == 0 {
		return false
	}
	if p.kind == TOCNCX {
		return p.inText
	}
	return p.labelDepth > 0
}

func (p *tocParser) parent(depth int) string {
	i := len(p.stack) - 1 - depth
	if i < 0 {
		return ""
	}
	return p.stack[i]
}

func (p *tocParser) push() *tocNode {
	var siblings int
	prefix := ""
	if len(p.nodes) > 0 {
		parent := p.nodes[len(p.nodes)-1]
		siblings = len(parent.children)
		prefix = parent.path + "."
	} else {
		siblings = len(p.roots)
	}

	n := &tocNode{path: prefix + strconv.Itoa(siblings)}
	if len(p.nodes) > 0 {
		parent := p.nodes[len(p.nodes)-1]
		parent.children = append(parent.children, n)
	} else {
		p.roots = append(p.roots, n)
	}
	p.nodes = append(p.nodes, n)
	return n
}

func (p *tocParser) pop() {
	if len(p.nodes) > 0 {
		p.nodes = p.nodes[:len(p.nodes)-1]
	}
}

func (p *tocParser) startNCX(el xml.StartElement) {
	switch el.Name.Local {
	case "navPoint":
		p.push()
	case "text":
		// navPoint > navLabel > text, first label only
		if len(p.nodes) > 0 && p.parent(1) == "navLabel" && p.parent(2) == "navPoint" {
			n := p.nodes[len(p.nodes)-1]
			if !n.labelled {
				p.inText = true
			}
		}
	case "content":
		if len(p.nodes) > 0 && p.parent(1) == "navPoint" {
			n := p.nodes[len(p.nodes)-1]
			if n.href == "" {
				n.href = attr(el, "src")
			}
		}
	}
}

func (p *tocParser) endNCX(el xml.EndElement) {
	switch el.Name.Local {
	case "navPoint":
		p.pop()
	case "text":
		if p.inText {
			p.nodes[len(p.nodes)-1].labelled = true
			p.inText = false
		}
	}
}

func (p *tocParser) startNav(el xml.StartElement) {
	depth := len(p.stack)

	if p.navDepth == 0 {
		if el.Name.Local == "nav" && strings.Contains(attr(el, "type"), "toc") {
			p.navDepth = depth
		}
		return
	}

	switch el.Name.Local {
	case "li":
		p.push()
	case "a", "span":
		if p.labelDepth == 0 && len(p.nodes) > 0 && p.parent(1) == "li" {
			n := p.nodes[len(p.nodes)-1]
			if !n.labelled {
				p.labelDepth = depth
				if el.Name.Local == "a" {
					n.href = attr(el, "href")
				}
			}
		}
	}
}

func (p *tocParser) endNav(el xml.EndElement) {
	depth := len(p.stack)
	if p.navDepth == 0 {
		return
	}

	if depth == p.labelDepth {
		p.nodes[len(p.nodes)-1].labelled = true
		p.labelDepth = 0
	}

	switch {
	case depth == p.navDepth:
		p.navDepth = 0
	case el.Name.Local == "li":
		p.pop()
	}
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
