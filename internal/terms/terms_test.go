package terms

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Watee22/epubTranslator/internal/epub/epubtest"
	"github.com/Watee22/epubTranslator/internal/glossary"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		term string
		want bool
	}{
		{"", false},
		{"A", false},
		{"The", false},
		{"Bob", false},
		{"Queequeg", true},
		{"Captain Ahab", true},
		{"New Bedford", true},
		{"Chapter One", false},
		{"Monday", false},
	}

	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValid(tt.term))
		})
	}
}

func TestExtract(t *testing.T) {
	book := epubtest.Book{
		Title: "Whaling",
		Chapters: []epubtest.Chapter{
			{
				ID:    "ch1",
				Title: "Chapter One",
				Paragraphs: []string{
					"Captain Ahab met Queequeg in New Bedford.",
					"It was late, and Bob was tired.",
				},
			},
			{
				ID:    "ch2",
				Title: "Chapter Two",
				Paragraphs: []string{
					"Later, Queequeg left with Captain Ahab.",
				},
			},
		},
		NCX: true,
	}
	path := epubtest.Write(t, t.TempDir(), "whaling.epub", book)

	terms, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Captain Ahab", "New Bedford", "Queequeg"}, terms)
}

func TestExtractRejectsNonEPUB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.epub")
	_, err := Extract(path)
	assert.Error(t, err)
}

func TestExportSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.csv")
	require.NoError(t, ExportSheet(path, []string{"Captain Ahab", "Queequeg"}))

	// untranslated rows are dropped on import
	imported, err := glossary.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, imported)
}
