// Package terms finds candidate glossary terms in a book: capitalised words
// and short capitalised phrases that are not ordinary English words.
package terms

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/Watee22/epubTranslator/internal/epub"
	"github.com/Watee22/epubTranslator/internal/glossary"
)

//go:embed commonwords.txt
var commonWordsFile string

var (
	commonWords = parseWords(commonWordsFile)

	// one to three capitalised words
	candidatePattern = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})\b`)
)

func parseWords(s string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words[strings.ToLower(line)] = struct{}{}
	}
	return words
}

// Extract returns the sorted candidate terms found in the content documents
// of the EPUB at path.
func Extract(path string) ([]string, error) {
	archive, err := epub.Open(path)
	if err != nil {
		return nil, err
	}
	return ExtractArchive(archive)
}

func ExtractArchive(archive *epub.Archive) ([]string, error) {
	found := make(map[string]struct{})

	for _, item := range archive.ContentDocuments() {
		name := archive.ItemPath(item)
		data, ok := archive.File(name)
		if !ok {
			continue
		}

		doc, err := epub.ParseDocument(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}

		// phrases never span two blocks
		for _, block := range doc.Blocks() {
			text := strings.Join(strings.Fields(block.Text()), " ")
			for _, match := range candidatePattern.FindAllStringSubmatch(text, -1) {
				if IsValid(match[1]) {
					found[match[1]] = struct{}{}
				}
			}
		}
	}

	terms := make([]string, 0, len(found))
	for term := range found {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms, nil
}

// IsValid reports whether a candidate is worth a glossary entry. Single
// words must be uncommon and at least four letters unless written in
// capitals; phrases need at least one uncommon word.
func IsValid(term string) bool {
	if len([]rune(term)) <= 1 {
		return false
	}

	words := strings.Fields(term)
	if len(words) == 1 {
		word := words[0]
		if isCommon(word) {
			return false
		}
		if len([]rune(word)) < 4 && !isUpper(word) {
			return false
		}
		return true
	}

	for _, word := range words {
		if !isCommon(word) {
			return true
		}
	}
	return false
}

func isCommon(word string) bool {
	_, ok := commonWords[strings.ToLower(word)]
	return ok
}

func isUpper(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) && !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

// ExportSheet writes the terms with empty translations to a .json, .xlsx or
// .csv file for editing. Rows left without a translation are dropped when
// the file is imported again.
func ExportSheet(path string, terms []string) error {
	sheet := make(glossary.Terms, len(terms))
	for _, term := range terms {
		sheet[term] = ""
	}
	return glossary.WriteFile(path, sheet)
}
