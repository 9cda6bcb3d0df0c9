package ingest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/xuri/excelize/v2"

	"prwpanel/internal/warehouse"
)

// ErrParse marks workbook content that cannot be mapped to warehouse rows.
var ErrParse = errors.New("ingest: parse error")

// ParseError locates a bad cell. Row is the 1-based spreadsheet row.
type ParseError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("row %d column %q value %q: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports every ParseError as ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Source header names.
const (
	colMRN            = "MRN"
	colName           = "Patient"
	colSex            = "Sex"
	colDOB            = "DOB"
	colAddress        = "Address"
	colCity           = "City"
	colState          = "State"
	colZIP            = "ZIP"
	colPhone          = "Phone"
	colEmail          = "Pt. E-mail Address"
	colPCP            = "PCP"
	colLocation       = "Location"
	colDept           = "Dept"
	colVisitDate      = "Visit Date"
	colTime           = "Time"
	colEncounterType  = "Encounter Type"
	colType           = "Type"
	colProvider       = "Provider/Resource"
	colWithPCP        = "With PCP?"
	colApptStatus     = "Appt Status"
	colDiagnoses      = "Encounter Diagnoses"
	colLevelOfService = "Level of Service"
)

// Columns lists the mapped source headers in workbook order. "Encounter
// Type" is read but dropped; it duplicates Type in every export seen so far.
var Columns = []string{
	colMRN, colName, colSex, colDOB, colAddress, colCity, colState, colZIP, colPhone, colEmail, colPCP,
	colLocation, colDept, colVisitDate, colTime, colEncounterType, colType, colProvider, colWithPCP,
	colApptStatus, colDiagnoses, colLevelOfService,
}

// RequiredColumns are the headers an ingest cannot run without.
func RequiredColumns() []string {
	out := make([]string, 0, len(Columns)-1)
	for _, c := range Columns {
		if c != colEncounterType {
			out = append(out, c)
		}
	}
	return out
}

// MapSheet converts raw rows into patients (first row per MRN wins) and
// encounters (every row, file order). Any bad cell fails the whole sheet.
func MapSheet(sheet *Sheet) (warehouse.Tables, error) {
	index := make(map[string]int, len(sheet.Header))
	for i, h := range sheet.Header {
		h = strings.TrimSpace(h)
		if _, dup := index[h]; h != "" && !dup {
			index[h] = i
		}
	}
	var missing []string
	for _, c := range RequiredColumns() {
		if _, ok := index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return warehouse.Tables{}, fmt.Errorf("%w: missing required columns: %s", ErrParse, strings.Join(missing, ", "))
	}

	tables := warehouse.Tables{Patients: []warehouse.Patient{}, Encounters: []warehouse.Encounter{}}
	seen := make(map[int64]struct{})
	for i, raw := range sheet.Rows {
		if blankRow(raw) {
			continue
		}
		r := row{num: i + 2, cells: raw, index: index}
		patient, encounter, err := r.records()
		if err != nil {
			return warehouse.Tables{}, err
		}
		if _, dup := seen[patient.MRN]; !dup {
			seen[patient.MRN] = struct{}{}
			tables.Patients = append(tables.Patients, patient)
		}
		tables.Encounters = append(tables.Encounters, encounter)
	}
	return tables, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

type row struct {
	num   int
	cells []string
	index map[string]int
}

func (r row) get(col string) string {
	return strings.TrimSpace(r.cells[r.index[col]])
}

func (r row) fail(col string, err error) error {
	return &ParseError{Row: r.num, Column: col, Value: r.get(col), Err: err}
}

func (r row) required(col string) (string, error) {
	v := r.get(col)
	if v == "" {
		return "", r.fail(col, errors.New("value required"))
	}
	return v, nil
}

func (r row) records() (warehouse.Patient, warehouse.Encounter, error) {
	var (
		p   warehouse.Patient
		e   warehouse.Encounter
		err error
	)
	if p.MRN, err = parseMRN(r.get(colMRN)); err != nil {
		return p, e, r.fail(colMRN, err)
	}
	if p.DOB, err = parseDate(r.get(colDOB)); err != nil {
		return p, e, r.fail(colDOB, err)
	}
	p.Name = r.get(colName)
	p.Sex = NormalizeSex(r.get(colSex))
	p.Address = r.get(colAddress)
	p.City = r.get(colCity)
	p.State = r.get(colState)
	p.ZIP = digits(r.get(colZIP))
	p.Phone = digits(r.get(colPhone))
	p.Email = r.get(colEmail)
	p.PCP = r.get(colPCP)

	e.MRN = p.MRN
	if e.Location, err = r.required(colLocation); err != nil {
		return p, e, err
	}
	if e.Dept, err = r.required(colDept); err != nil {
		return p, e, err
	}
	if e.EncounterType, err = r.required(colType); err != nil {
		return p, e, err
	}
	if e.EncounterDate, err = parseDate(r.get(colVisitDate)); err != nil {
		return p, e, r.fail(colVisitDate, err)
	}
	if e.EncounterTime, err = parseClock(r.get(colTime)); err != nil {
		return p, e, r.fail(colTime, err)
	}
	if e.WithPCP, err = parseYesNo(r.get(colWithPCP)); err != nil {
		return p, e, r.fail(colWithPCP, err)
	}
	e.ServiceProvider = r.get(colProvider)
	e.ApptStatus = r.get(colApptStatus)
	e.Diagnoses = r.get(colDiagnoses)
	e.LevelOfService = r.get(colLevelOfService)
	return p, e, nil
}

// NormalizeSex folds the export's sex values onto the M/F/O codes.
func NormalizeSex(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "M", "MALE":
		return warehouse.SexMale
	case "F", "FEMALE":
		return warehouse.SexFemale
	default:
		return warehouse.SexOther
	}
}

func parseMRN(v string) (int64, error) {
	if v == "" {
		return 0, errors.New("value required")
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, errors.New("not an integer")
	}
	return int64(f), nil
}

// finite rejects the NaN and Inf spellings strconv.ParseFloat accepts.
func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Excel serials above this are past 9999-12-31.
const maxExcelSerial = 2958465

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"1/2/2006",
	"1/2/2006 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"1/2/06",
	"2006/1/2",
	"1-2-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2-Jan-2006",
}

func parseDate(v string) (civil.Date, error) {
	if v == "" {
		return civil.Date{}, errors.New("value required")
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		if !finite(serial) || serial < 1 || serial > maxExcelSerial {
			return civil.Date{}, errors.New("date serial out of range")
		}
		t, err := excelize.ExcelDateToTime(serial, false)
		if err != nil {
			return civil.Date{}, err
		}
		return civil.DateOf(t), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, errors.New("unrecognised date")
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04:05 PM",
	"3:04 PM",
	"3:04PM",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseClock(v string) (*civil.Time, error) {
	if v == "" {
		return nil, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if !finite(f) {
			return nil, errors.New("not a time")
		}
		if f < 0 {
			return nil, errors.New("negative time")
		}
		_, frac := math.Modf(f)
		secs := int(math.Round(frac * 86400))
		if secs >= 86400 {
			secs = 86399
		}
		t := civil.Time{Hour: secs / 3600, Minute: secs % 3600 / 60, Second: secs % 60}
		return &t, nil
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(v)); err == nil {
			c := civil.TimeOf(t)
			return &c, nil
		}
	}
	return nil, errors.New("unrecognised time")
}

func parseYesNo(v string) (*bool, error) {
	var b bool
	switch strings.ToUpper(v) {
	case "":
		return nil, nil
	case "Y", "YES", "TRUE", "1":
		b = true
	case "N", "NO", "FALSE", "0":
		b = false
	default:
		return nil, errors.New("expected Y or N")
	}
	return &b, nil
}

// digits keeps numeric ZIP/phone cells textual: "98101.0" → "98101".
func digits(v string) string {
	if whole, frac, ok := strings.Cut(v, "."); ok && strings.Trim(frac, "0") == "" {
		if _, err := strconv.ParseUint(whole, 10, 64); err == nil {
			return whole
		}
	}
	return v
}
