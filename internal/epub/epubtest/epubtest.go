// Package epubtest builds small synthetic EPUB files for tests.
package epubtest

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Chapter is one content document. Body, when set, replaces the generated
// paragraphs verbatim; Document replaces the whole file.
type Chapter struct {
	ID         string
	Title      string
	Paragraphs []string
	Body       string
	Document   string
}

// TOCNode is a table of contents entry. An empty Title produces a node
// without a label.
type TOCNode struct {
	Title    string
	Href     string
	Children []TOCNode
}

// Book describes the archive to build.
type Book struct {
	Title    string
	Language string
	Chapters []Chapter
	// TOC defaults to one entry per chapter.
	TOC   []TOCNode
	NCX   bool
	Nav   bool
	Extra map[string][]byte
}

// Simple returns a book with n chapters of two paragraphs each and both
// NCX and nav tables of contents.
func Simple(n int) Book {
	b := Book{Title: "Test Book", Language: "en", NCX: true, Nav: true}
	for i := 1; i <= n; i++ {
		b.Chapters = append(b.Chapters, Chapter{
			ID:    fmt.Sprintf("ch%d", i),
			Title: fmt.Sprintf("Chapter %d", i),
			Paragraphs: []string{
				fmt.Sprintf("This is the first paragraph of chapter %d.", i),
				fmt.Sprintf("The <em>second</em> paragraph of chapter %d.", i),
			},
		})
	}
	b.Extra = map[string][]byte{
		"OEBPS/style.css":    []byte("p { margin: 0; }\n"),
		"OEBPS/images/a.png": {0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a},
	}
	return b
}

// Build renders the book as EPUB bytes.
func Build(b Book) []byte {
	if b.Language == "" {
		b.Language = "en"
	}
	if b.TOC == nil {
		for _, ch := range b.Chapters {
			b.TOC = append(b.TOC, TOCNode{Title: ch.Title, Href: ch.ID + ".xhtml"})
		}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	must(writeEntry(zw, "mimetype", []byte("application/epub+zip"), zip.Store))
	must(writeEntry(zw, "META-INF/container.xml", []byte(containerXML), zip.Deflate))
	must(writeEntry(zw, "OEBPS/content.opf", []byte(packageXML(b)), zip.Deflate))
	if b.NCX {
		must(writeEntry(zw, "OEBPS/toc.ncx", []byte(ncxXML(b)), zip.Deflate))
	}
	if b.Nav {
		must(writeEntry(zw, "OEBPS/nav.xhtml", []byte(navXHTML(b)), zip.Deflate))
	}
	for _, ch := range b.Chapters {
		must(writeEntry(zw, "OEBPS/"+ch.ID+".xhtml", []byte(chapterXHTML(ch, b.Language)), zip.Deflate))
	}
	for name, data := range b.Extra {
		must(writeEntry(zw, name, data, zip.Deflate))
	}
	must(zw.Close())

	return buf.Bytes()
}

// Write builds the book into dir/name and returns the path.
func Write(t testing.TB, dir, name string, b Book) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, Build(b), 0o644); err != nil {
		t.Fatalf("write epub: %v", err)
	}
	return p
}

func writeEntry(zw *zip.Writer, name string, data []byte, method uint16) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

func packageXML(b Book) string {
	var manifest, spine strings.Builder
	if b.NCX {
		manifest.WriteString(`    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>` + "\n")
	}
	if b.Nav {
		manifest.WriteString(`    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>` + "\n")
	}
	for _, ch := range b.Chapters {
		fmt.Fprintf(&manifest, "    <item id=%q href=\"%s.xhtml\" media-type=\"application/xhtml+xml\"/>\n", ch.ID, ch.ID)
		fmt.Fprintf(&spine, "    <itemref idref=%q/>\n", ch.ID)
	}
	if _, ok := b.Extra["OEBPS/style.css"]; ok {
		manifest.WriteString(`    <item id="css" href="style.css" media-type="text/css"/>` + "\n")
	}

	toc := ""
	if b.NCX {
		toc = ` toc="ncx"`
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="bookid">urn:uuid:test-book</dc:identifier>
    <dc:title>%s</dc:title>
    <dc:language>%s</dc:language>
  </metadata>
  <manifest>
%s  </manifest>
  <spine%s>
%s  </spine>
</package>
`, html.EscapeString(b.Title), b.Language, manifest.String(), toc, spine.String())
}

func ncxXML(b Book) string {
	var points strings.Builder
	order := 0
	var write func(nodes []TOCNode, indent string)
	write = func(nodes []TOCNode, indent string) {
		for _, n := range nodes {
			order++
			fmt.Fprintf(&points, "%s<navPoint id=\"np%d\" playOrder=\"%d\">\n", indent, order, order)
			if n.Title != "" {
				fmt.Fprintf(&points, "%s  <navLabel><text>%s</text></navLabel>\n", indent, html.EscapeString(n.Title))
			}
			fmt.Fprintf(&points, "%s  <content src=%q/>\n", indent, n.Href)
			write(n.Children, indent+"  ")
			fmt.Fprintf(&points, "%s</navPoint>\n", indent)
		}
	}
	write(b.TOC, "    ")

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <head><meta name="dtb:uid" content="urn:uuid:test-book"/></head>
  <docTitle><text>%s</text></docTitle>
  <navMap>
%s  </navMap>
</ncx>
`, html.EscapeString(b.Title), points.String())
}

func navXHTML(b Book) string {
	var list strings.Builder
	var write func(nodes []TOCNode, indent string)
	write = func(nodes []TOCNode, indent string) {
		fmt.Fprintf(&list, "%s<ol>\n", indent)
		for _, n := range nodes {
			fmt.Fprintf(&list, "%s  <li>", indent)
			if n.Title != "" {
				fmt.Fprintf(&list, "<a href=%q>%s</a>", n.Href, html.EscapeString(n.Title))
			}
			if len(n.Children) > 0 {
				list.WriteString("\n")
				write(n.Children, indent+"    ")
				list.WriteString(indent + "  ")
			}
			list.WriteString("</li>\n")
		}
		fmt.Fprintf(&list, "%s</ol>\n", indent)
	}
	write(b.TOC, "    ")

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops" lang="%s">
<head><title>%s</title></head>
<body>
  <nav epub:type="toc" id="toc">
    <h1>Contents</h1>
%s  </nav>
</body>
</html>
`, b.Language, html.EscapeString(b.Title), list.String())
}

func chapterXHTML(ch Chapter, lang string) string {
	if ch.Document != "" {
		return ch.Document
	}
	body := ch.Body
	if body == "" {
		var sb strings.Builder
		if ch.Title != "" {
			fmt.Fprintf(&sb, "  <h1>%s</h1>\n", html.EscapeString(ch.Title))
		}
		for _, p := range ch.Paragraphs {
			fmt.Fprintf(&sb, "  <p>%s</p>\n", p)
		}
		body = sb.String()
	}

	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" lang="%s">
<head>
  <title>%s</title>
  <link rel="stylesheet" type="text/css" href="style.css"/>
</head>
<body>
%s</body>
</html>
`, lang, html.EscapeString(ch.Title), body)
}
