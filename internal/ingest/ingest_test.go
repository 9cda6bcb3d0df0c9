package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/xuri/excelize/v2"

	"prwpanel/internal/config"
	"prwpanel/internal/infra/persistence/sqlite"
	"prwpanel/internal/persistence"
	"prwpanel/internal/warehouse"
)

func header() []any {
	out := make([]any, len(Columns))
	for i, c := range Columns {
		out[i] = c
	}
	return out
}

// visit builds one source row in Columns order.
func visit(mrn any, name, sex string, dob any, visitDate any, visitTime any, withPCP any) []any {
	return []any{
		mrn, name, sex, dob, "1 Main St", "Seattle", "WA", 98101, 2065550100, name + "@example.com", "Dr. Smith",
		"Clinic A", "FM", visitDate, visitTime, "Office Visit", "Office Visit", "Jones, Pat", withPCP,
		"Completed", "I10 Hypertension", "99213",
	}
}

func writeWorkbook(t *testing.T, dir string, rows ...[]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	path := filepath.Join(dir, EncountersFile)
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	return path
}

func standardRows() [][]any {
	return [][]any{
		header(),
		visit(1001, "Ada", "Female", "1980-12-10", "2024-01-15", "09:30", "Y"),
		visit(1001, "Ada Renamed", "F", "1980-12-10", "2024-02-20", "", "N"),
		visit(1002, "Bob", "M", "1975-01-02", "2024-03-01", 0.75, ""),
	}
}

func TestReadWorkbookPadsRows(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkbook(t, dir, header(), []any{1001})
	sheet, err := ReadWorkbook(path)
	if err != nil {
		t.Fatalf("ReadWorkbook: %v", err)
	}
	if len(sheet.Header) != SourceColumns || sheet.Header[0] != "MRN" || sheet.Header[21] != "Level of Service" {
		t.Fatalf("unexpected header %v", sheet.Header)
	}
	if len(sheet.Rows) != 1 || len(sheet.Rows[0]) != SourceColumns || sheet.Rows[0][0] != "1001" {
		t.Fatalf("unexpected rows %v", sheet.Rows)
	}
}

func TestReadWorkbookRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encounters.xlsx")
	if err := os.WriteFile(path, []byte("not a zip"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadWorkbook(path); !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestMapSheetDedupesPatients(t *testing.T) {
	dir := t.TempDir()
	sheet, err := ReadWorkbook(writeWorkbook(t, dir, standardRows()...))
	if err != nil {
		t.Fatalf("ReadWorkbook: %v", err)
	}
	tables, err := MapSheet(sheet)
	if err != nil {
		t.Fatalf("MapSheet: %v", err)
	}
	if len(tables.Patients) != 2 || len(tables.Encounters) != 3 {
		t.Fatalf("expected 2 patients/3 encounters, got %d/%d", len(tables.Patients), len(tables.Encounters))
	}
	ada := tables.Patients[0]
	if ada.MRN != 1001 || ada.Name != "Ada" || ada.Sex != warehouse.SexFemale {
		t.Fatalf("expected first occurrence to win, got %+v", ada)
	}
	if ada.DOB != (civil.Date{Year: 1980, Month: time.December, Day: 10}) || ada.ZIP != "98101" || ada.Phone != "2065550100" {
		t.Fatalf("unexpected demographics %+v", ada)
	}
	first := tables.Encounters[0]
	if first.EncounterTime == nil || *first.EncounterTime != (civil.Time{Hour: 9, Minute: 30}) {
		t.Fatalf("unexpected encounter time %v", first.EncounterTime)
	}
	if first.WithPCP == nil || !*first.WithPCP || first.EncounterType != "Office Visit" || first.Diagnoses != "I10 Hypertension" {
		t.Fatalf("unexpected encounter %+v", first)
	}
	second := tables.Encounters[1]
	if second.EncounterTime != nil || second.WithPCP == nil || *second.WithPCP {
		t.Fatalf("unexpected second encounter %+v", second)
	}
	third := tables.Encounters[2]
	if third.MRN != 1002 || third.WithPCP != nil || third.EncounterTime == nil || third.EncounterTime.Hour != 18 {
		t.Fatalf("unexpected third encounter %+v", third)
	}
	if missing := tables.CheckReferences(); len(missing) != 0 {
		t.Fatalf("unexpected dangling mrns %v", missing)
	}
}

func TestMapSheetMissingColumns(t *testing.T) {
	sheet := &Sheet{Header: make([]string, SourceColumns)}
	copy(sheet.Header, []string{"MRN", "Patient"})
	_, err := MapSheet(sheet)
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestMapSheetEncounterTypeOptional(t *testing.T) {
	sheet := &Sheet{Header: make([]string, SourceColumns)}
	copy(sheet.Header, Columns)
	sheet.Header[15] = "Unused"
	row := make([]string, SourceColumns)
	copy(row, []string{"1001", "", "X", "45306", "", "", "", "", "", "", "", "Clinic", "FM", "45306.5", "", "", "Visit"})
	sheet.Rows = [][]string{row, make([]string, SourceColumns)}
	tables, err := MapSheet(sheet)
	if err != nil {
		t.Fatalf("MapSheet: %v", err)
	}
	if len(tables.Encounters) != 1 {
		t.Fatalf("expected blank trailing row skipped, got %d encounters", len(tables.Encounters))
	}
	p := tables.Patients[0]
	if p.Sex != warehouse.SexOther || p.DOB != (civil.Date{Year: 2024, Month: time.January, Day: 15}) {
		t.Fatalf("unexpected patient %+v", p)
	}
	if got := tables.Encounters[0].EncounterDate; got != (civil.Date{Year: 2024, Month: time.January, Day: 15}) {
		t.Fatalf("expected time component dropped, got %v", got)
	}
}

func TestMapSheetBadCells(t *testing.T) {
	cases := map[string]struct {
		col   int
		value string
	}{
		"bad dob":      {3, "not a date"},
		"blank visit":  {13, ""},
		"bad mrn":      {0, "10x"},
		"bad with pcp": {18, "maybe"},
		"bad time":     {14, "noon-ish"},
		"blank dept":   {12, ""},
		"nan dob":      {3, "NaN"},
		"inf visit":    {13, "+Inf"},
		"nan time":     {14, "nan"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sheet := &Sheet{Header: make([]string, SourceColumns)}
			copy(sheet.Header, Columns)
			row := []string{"1001", "Ada", "F", "1980-12-10", "", "", "", "", "", "", "", "Clinic", "FM", "2024-01-15", "9:30 AM", "", "Visit", "", "Y", "", "", ""}
			row[tc.col] = tc.value
			sheet.Rows = [][]string{row}
			_, err := MapSheet(sheet)
			var perr *ParseError
			if !errors.Is(err, ErrParse) || !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Row != 2 || perr.Column != Columns[tc.col] {
				t.Fatalf("unexpected location row=%d col=%q", perr.Row, perr.Column)
			}
		})
	}
}

func TestParseHelpers(t *testing.T) {
	if n, err := parseMRN("1001.0"); err != nil || n != 1001 {
		t.Fatalf("parseMRN float: %d %v", n, err)
	}
	if _, err := parseMRN("1001.5"); err == nil {
		t.Fatalf("expected fractional mrn rejected")
	}
	for _, v := range []string{"01/15/2024", "1/15/2024", "2024-01-15 13:45:00", "Jan 15, 2024"} {
		if d, err := parseDate(v); err != nil || d != (civil.Date{Year: 2024, Month: time.January, Day: 15}) {
			t.Fatalf("parseDate(%q) = %v, %v", v, d, err)
		}
	}
	for _, v := range []string{"NaN", "nan", "Inf", "-Inf"} {
		if d, err := parseDate(v); err == nil {
			t.Fatalf("parseDate(%q) accepted as %v", v, d)
		}
		if c, err := parseClock(v); err == nil {
			t.Fatalf("parseClock(%q) accepted as %v", v, c)
		}
	}
	if c, err := parseClock("2:15 pm"); err != nil || *c != (civil.Time{Hour: 14, Minute: 15}) {
		t.Fatalf("parseClock pm: %v %v", c, err)
	}
	if c, err := parseClock("45306.25"); err != nil || *c != (civil.Time{Hour: 6}) {
		t.Fatalf("parseClock datetime serial: %v %v", c, err)
	}
	if got := NormalizeSex(" male "); got != warehouse.SexMale {
		t.Fatalf("NormalizeSex: %q", got)
	}
	if got := digits("98101.0"); got != "98101" {
		t.Fatalf("digits: %q", got)
	}
	if got := digits("98101-1234"); got != "98101-1234" {
		t.Fatalf("digits kept text: %q", got)
	}
}

func TestCheckInputDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := CheckInputDir(filepath.Join(dir, "absent")); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing dir, got %v", err)
	}
	if _, err := CheckInputDir(dir); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing workbook, got %v", err)
	}
	writeWorkbook(t, dir, standardRows()...)
	if path, err := CheckInputDir(dir); err != nil || filepath.Base(path) != EncountersFile {
		t.Fatalf("expected workbook path, got %q %v", path, err)
	}
}

func TestPipelineRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeWorkbook(t, dir, standardRows()...)
	dbPath := filepath.Join(t.TempDir(), "prw.sqlite3")
	dsn := "sqlite:///" + dbPath
	clock := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(persistence.Open, WithClock(func() time.Time { return clock }))

	readBack := func() *warehouse.Dataset {
		t.Helper()
		store, err := sqlite.Open(ctx, dbPath)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		defer func() { _ = store.Close() }()
		ds, err := warehouse.ReadDataset(ctx, store)
		if err != nil {
			t.Fatalf("ReadDataset: %v", err)
		}
		var sources int
		if err := store.DB().QueryRow(`SELECT count(*) FROM sources_meta WHERE filename = ?`, EncountersFile).Scan(&sources); err != nil || sources != 1 {
			t.Fatalf("expected one sources_meta row, got %d (%v)", sources, err)
		}
		return ds
	}

	var runs []*warehouse.Dataset
	for i := 0; i < 2; i++ {
		res, err := p.Run(ctx, dir, dsn)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.Patients != 2 || res.Encounters != 3 || res.RunID == "" {
			t.Fatalf("unexpected result %+v", res)
		}
		runs = append(runs, readBack())
		clock = clock.Add(time.Hour)
	}

	first, second := runs[0], runs[1]
	if want := time.Date(2024, 4, 1, 13, 0, 0, 0, time.UTC); !second.Modified.Equal(want) {
		t.Fatalf("modified = %v, want %v", second.Modified, want)
	}
	for i, pt := range second.Patients {
		if pt.ID != int64(i+1) {
			t.Fatalf("patient %d has prw_id %d after re-ingest", i, pt.ID)
		}
	}
	for i, e := range second.Encounters {
		if e.ID != int64(i+1) {
			t.Fatalf("encounter %d has id %d after re-ingest", i, e.ID)
		}
	}
	first.Modified, second.Modified = time.Time{}, time.Time{}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("re-ingest changed tables\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestPipelineParseFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rows := standardRows()
	rows[2][3] = "31/31/2024"
	writeWorkbook(t, dir, rows...)
	opened := false
	p := NewPipeline(func(ctx context.Context, dsn string) (warehouse.Store, error) {
		opened = true
		return persistence.Open(ctx, dsn)
	})
	_, err := p.Run(ctx, dir, "sqlite:///"+filepath.Join(t.TempDir(), "prw.sqlite3"))
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	if opened {
		t.Fatalf("database opened despite parse failure")
	}
}

func TestPipelineConnectFailure(t *testing.T) {
	dir := t.TempDir()
	writeWorkbook(t, dir, standardRows()...)
	p := NewPipeline(persistence.Open)
	_, err := p.Run(context.Background(), dir, "mssql://uid=sa;pwd=hunter2")
	if !errors.Is(err, warehouse.ErrUnsupportedDSN) {
		t.Fatalf("expected unsupported dsn error, got %v", err)
	}
}
