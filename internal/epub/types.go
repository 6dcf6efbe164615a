package epub

import (
	"encoding/xml"
	"strings"
)

const (
	mimetypeName     = "mimetype"
	mimetypeContent  = "application/epub+zip"
	containerPath    = "META-INF/container.xml"
	mediaTypeNCX     = "application/x-dtbncx+xml"
	propertiesNavDoc = "nav"
)

type Container struct {
	XMLName   xml.Name `xml:"container"`
	Version   string   `xml:"version,attr"`
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type Package struct {
	XMLName  xml.Name `xml:"package"`
	Version  string   `xml:"version,attr"`
	UniqueID string   `xml:"unique-identifier,attr"`
	Metadata Metadata `xml:"metadata"`
	Manifest Manifest `xml:"manifest"`
	Spine    Spine    `xml:"spine"`
	Guide    Guide    `xml:"guide"`
}

type Metadata struct {
	Title       string `xml:"title"`
	Language    string `xml:"language"`
	Identifier  string `xml:"identifier"`
	Creator     string `xml:"creator"`
	Publisher   string `xml:"publisher"`
	Date        string `xml:"date"`
	Description string `xml:"description"`
}

type Manifest struct {
	Items []Item `xml:"item"`
}

type Item struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

// IsContentDocument reports whether the item is a renderable (X)HTML document.
func (i Item) IsContentDocument() bool {
	return strings.Contains(i.MediaType, "html")
}

// IsNav reports whether the item is the EPUB 3 navigation document.
func (i Item) IsNav() bool {
	for _, p := range strings.Fields(i.Properties) {
		if p == propertiesNavDoc {
			return true
		}
	}
	return false
}

// IsNCX reports whether the item is an EPUB 2 NCX table of contents.
func (i Item) IsNCX() bool {
	return i.MediaType == mediaTypeNCX
}

type Spine struct {
	TOC      string    `xml:"toc,attr"`
	ItemRefs []ItemRef `xml:"itemref"`
}

type ItemRef struct {
	IDRef  string `xml:"idref,attr"`
	Linear string `xml:"linear,attr"`
}

type Guide struct {
	References []Reference `xml:"reference"`
}

type Reference struct {
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
	Href  string `xml:"href,attr"`
}
