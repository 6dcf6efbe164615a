package epub

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// BlockSelector matches the paragraph-equivalent elements that are
// translated as one unit of markup.
const BlockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote, dt, dd, figcaption, caption, td, th"

// ErrStructureChanged is returned when a translated fragment no longer has
// the shape of the block it replaces.
var ErrStructureChanged = errors.New("translated fragment changed block structure")

// Document is a parsed content document.
type Document struct {
	doc    *goquery.Document
	prolog []byte
}

// ParseDocument parses an (X)HTML content document. Everything before the
// root element (XML declaration, doctype) is kept verbatim for rendering.
func ParseDocument(data []byte) (*Document, error) {
	data = expandSelfClosing(data)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	d := &Document{doc: doc}
	if idx := bytes.Index(bytes.ToLower(data), []byte("<html")); idx >= 0 {
		d.prolog = append([]byte(nil), data[:idx]...)
	}
	return d, nil
}

// voidElements have no content, so HTML parsing honours their self-closed
// form.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// rawTextElements put the tokenizer into raw text mode after their start
// tag, even when written self-closed.
var rawTextElements = map[string]bool{
	"iframe": true, "noembed": true, "noframes": true, "noscript": true,
	"plaintext": true, "script": true, "style": true, "textarea": true,
	"title": true, "xmp": true,
}

// expandSelfClosing rewrites self-closed non-void elements as explicit
// pairs, so `<a id="p5"/>` becomes `<a id="p5"></a>`. HTML parsing ignores
// the slash and would otherwise leave the element open over the rest of the
// document. Everything else is copied byte for byte.
func expandSelfClosing(data []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(data) + 64)

	rest := data
	for len(rest) > 0 {
		z := html.NewTokenizer(bytes.NewReader(rest))
		offset := 0
		restart := false

		for !restart {
			tt := z.Next()
			if tt == html.ErrorToken {
				break
			}
			raw := append([]byte(nil), z.Raw()...)
			offset += len(raw)

			if tt != html.SelfClosingTagToken {
				out.Write(raw)
				continue
			}

			name, _ := z.TagName()
			tag := string(name)
			if voidElements[tag] {
				out.Write(raw)
				continue
			}

			out.Write(bytes.TrimRight(raw[:len(raw)-2], " \t\r\n\f"))
			out.WriteString("></")
			out.Write(rawTagName(raw))
			out.WriteByte('>')

			// a raw text element would swallow the rest of the input as its
			// content, so tokenize the remainder afresh
			restart = rawTextElements[tag]
		}

		if !restart {
			out.Write(rest[min(offset, len(rest)):])
			break
		}
		rest = rest[offset:]
	}
	return out.Bytes()
}

// rawTagName returns the element name of a raw start tag in its original
// case.
func rawTagName(raw []byte) []byte {
	name := raw[1:]
	if i := bytes.IndexAny(name, " \t\r\n\f/>"); i >= 0 {
		name = name[:i]
	}
	return name
}

// Blocks returns the top-level text blocks in document order.
func (d *Document) Blocks() []*goquery.Selection {
	var blocks []*goquery.Selection
	d.doc.Find(BlockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(BlockSelector).Length() == 0 {
			blocks = append(blocks, s)
		}
	})
	return blocks
}

// Text returns the plain text of the document body.
func (d *Document) Text() string {
	body := d.doc.Find("body")
	if body.Length() == 0 {
		return d.doc.Text()
	}
	return body.Text()
}

// SetLanguage marks the root element with the target language and direction.
func (d *Document) SetLanguage(lang string) {
	root := d.doc.Find("html")
	if root.Length() == 0 {
		return
	}

	root.SetAttr("lang", lang)
	root.SetAttr("xml:lang", lang)
	if IsRTLLanguage(lang) {
		root.SetAttr("dir", "rtl")
	}
}

// Render serialises the document with its original prolog.
func (d *Document) Render() ([]byte, error) {
	root := d.doc.Find("html")
	if len(d.prolog) == 0 && root.Length() == 0 {
		out, err := d.doc.Html()
		return []byte(out), err
	}

	out, err := goquery.OuterHtml(root)
	if err != nil {
		return nil, fmt.Errorf("failed to render document: %w", err)
	}

	buf := make([]byte, 0, len(d.prolog)+len(out))
	buf = append(buf, d.prolog...)
	buf = append(buf, out...)
	return buf, nil
}

// OuterHTML renders a block as a markup fragment.
func OuterHTML(block *goquery.Selection) (string, error) {
	return goquery.OuterHtml(block)
}

// ReplaceBlock swaps a block for a translated fragment. The fragment must
// parse to exactly one element with the block's tag name.
func ReplaceBlock(block *goquery.Selection, fragment string) error {
	if block.Length() == 0 {
		return fmt.Errorf("empty selection")
	}
	node := block.Get(0)

	context := node.Parent
	if context == nil || context.Type != html.ElementNode {
		context = &html.Node{Type: html.ElementNode, Data: "body"}
	}

	nodes, err := html.ParseFragment(strings.NewReader(fragment), context)
	if err != nil {
		return fmt.Errorf("failed to parse fragment: %w", err)
	}

	var element *html.Node
	for _, n := range nodes {
		switch n.Type {
		case html.ElementNode:
			if element != nil {
				return ErrStructureChanged
			}
			element = n
		case html.TextNode:
			if strings.TrimSpace(n.Data) != "" {
				return ErrStructureChanged
			}
		}
	}

	if element == nil || element.Data != node.Data {
		return ErrStructureChanged
	}

	block.ReplaceWithNodes(element)
	return nil
}

// IsRTLLanguage checks if a language code represents a right-to-left language.
func IsRTLLanguage(languageCode string) bool {
	rtlLanguages := map[string]bool{
		"ar": true, // Arabic
		"fa": true, // Persian/Farsi
		"he": true, // Hebrew
		"ur": true, // Urdu
		"yi": true, // Yiddish
		"ji": true, // Yiddish (alternative code)
		"iw": true, // Hebrew (alternative code)
		"ku": true, // Kurdish
		"ps": true, // Pashto
		"sd": true, // Sindhi
	}

	base, _, _ := strings.Cut(strings.ToLower(languageCode), "-")
	return rtlLanguages[base]
}
