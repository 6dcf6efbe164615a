package glossary

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstituteLongestFirst(t *testing.T) {
	g := New(Terms{"New York": "纽约", "York": "约克"})

	assert.Equal(t, "I live in 纽约.", g.Substitute("I live in New York."))
	assert.Equal(t, "约克 is old.", g.Substitute("York is old."))
	assert.Equal(t, "纽约 and 约克", g.Substitute("New York and York"))
}

func TestSubstituteSinglePass(t *testing.T) {
	g := New(Terms{"cat": "dog", "dog": "bird"})
	assert.Equal(t, "dog bird", g.Substitute("cat dog"))
}

func TestLookupExactOnly(t *testing.T) {
	g := New(Terms{"Gandalf": "甘道夫", "": "ignored"})

	v, ok := g.Lookup("Gandalf")
	assert.True(t, ok)
	assert.Equal(t, "甘道夫", v)

	_, ok = g.Lookup("Gandalf the Grey")
	assert.False(t, ok)
	assert.Equal(t, 1, g.Len())
}

func TestNilGlossary(t *testing.T) {
	var g *Glossary
	assert.Equal(t, "text", g.Substitute("text"))
	_, ok := g.Lookup("text")
	assert.False(t, ok)
	assert.Empty(t, g.Terms())
}

func TestStoreLoad(t *testing.T) {
	tests := []struct {
		name      string
		persisted string
		overrides Terms
		want      Terms
		wantErr   bool
	}{
		{
			name:      "missing file",
			overrides: Terms{"Frodo": "佛罗多"},
			want:      Terms{"Frodo": "佛罗多"},
		},
		{
			name:      "overrides win",
			persisted: `{"Frodo": "弗罗多", "Shire": "夏尔"}`,
			overrides: Terms{"Frodo": "佛罗多"},
			want:      Terms{"Frodo": "佛罗多", "Shire": "夏尔"},
		},
		{
			name: "nothing to merge",
			want: Terms{},
		},
		{
			name:      "corrupt file",
			persisted: `{"Frodo": `,
			overrides: Terms{"Sam": "山姆"},
			want:      Terms{"Sam": "山姆"},
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			store := NewStore(dir, logrus.New())
			input := filepath.Join(dir, "book.epub")
			path := store.Path(input)
			assert.Equal(t, filepath.Join(dir, "book_glossary.json"), path)

			if tc.persisted != "" {
				require.NoError(t, os.WriteFile(path, []byte(tc.persisted), 0o644))
			}

			g, err := store.Load(input, tc.overrides)
			require.NotNil(t, g)
			assert.Equal(t, tc.want, g.Terms())

			if tc.wantErr {
				assert.ErrorIs(t, err, ErrIO)
				data, readErr := os.ReadFile(path)
				require.NoError(t, readErr)
				assert.Equal(t, tc.persisted, string(data), "corrupt file must not be overwritten")
				return
			}

			require.NoError(t, err)
			saved, err := readJSON(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, saved)
		})
	}
}

func TestImportExport(t *testing.T) {
	terms := Terms{"Middle-earth": "中土世界", "Ring": "魔戒", "Mordor": "魔多"}

	for _, ext := range []string{".json", ".csv", ".xlsx"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "terms"+ext)
			require.NoError(t, WriteFile(path, terms))

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, terms, got)
		})
	}
}

func TestReadCSVSkipsIncompleteRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "terms.csv")
	require.NoError(t, os.WriteFile(path, []byte("term,translation\nHobbit,霍比特人\nOrc,\n,空\nSolo\n"), 0o644))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Terms{"Hobbit": "霍比特人"}, got)
}

func TestReadFileUnsupported(t *testing.T) {
	_, err := ReadFile("terms.txt")
	assert.Error(t, err)
}
