package glossary

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

const sheetName = "Glossary"

var sheetHeader = []string{"term", "translation"}

// ReadFile imports terms from a .json, .xlsx or .csv file. Spreadsheet rows
// are (term, translation); a header row and rows with an empty cell are
// skipped.
func ReadFile(path string) (Terms, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		terms, err := readJSON(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		return terms, nil
	case ".xlsx":
		return readXLSX(path)
	case ".csv":
		return readCSV(path)
	default:
		return nil, fmt.Errorf("unsupported glossary format: %s", filepath.Ext(path))
	}
}

// WriteFile exports terms in the format implied by the file extension.
// Spreadsheet rows are sorted longest term first.
func WriteFile(path string, terms Terms) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = writeJSON(path, terms)
	case ".xlsx":
		err = writeXLSX(path, terms)
	case ".csv":
		err = writeCSV(path, terms)
	default:
		return fmt.Errorf("unsupported glossary format: %s", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func rowsToTerms(rows [][]string) Terms {
	terms := make(Terms)
	for i, row := range rows {
		if len(row) < 2 {
			continue
		}
		term := strings.TrimSpace(row[0])
		translation := strings.TrimSpace(row[1])
		if i == 0 && strings.EqualFold(term, sheetHeader[0]) {
			continue
		}
		if term == "" || translation == "" {
			continue
		}
		terms[term] = translation
	}
	return terms
}

func termsToRows(terms Terms) [][]string {
	g := New(terms)
	rows := [][]string{sheetHeader}
	for _, k := range g.sortedKeys() {
		rows = append(rows, []string{k, terms[k]})
	}
	return rows
}

func readXLSX(path string) (Terms, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if idx, err := f.GetSheetIndex(sheetName); err == nil && idx >= 0 {
		sheet = sheetName
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return rowsToTerms(rows), nil
}

func writeXLSX(path string, terms Terms) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return err
	}

	for i, row := range termsToRows(terms) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func readCSV(path string) (Terms, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer func() { _ = file.Close() }()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return rowsToTerms(rows), nil
}

func writeCSV(path string, terms Terms) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	w := csv.NewWriter(file)
	if err := w.WriteAll(termsToRows(terms)); err != nil {
		return err
	}
	return file.Sync()
}
