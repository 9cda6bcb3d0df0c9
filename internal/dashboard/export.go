package dashboard

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"prwpanel/internal/warehouse"
)

const (
	formatJSON = "json"
	formatCSV  = "csv"
)

// negotiateFormat picks json or csv from ?format= or the Accept header.
// An unknown ?format= yields "".
func negotiateFormat(r *http.Request) string {
	wanted := strings.ToLower(r.URL.Query().Get("format"))
	if wanted == "" {
		if strings.Contains(r.Header.Get("Accept"), "text/csv") {
			return formatCSV
		}
		return formatJSON
	}
	switch wanted {
	case formatJSON, formatCSV:
		return wanted
	}
	return ""
}

func patientRecord(p warehouse.Patient) []any {
	return []any{p.MRN, p.Name, p.Sex, p.DOB, p.Address, p.City, p.State, p.ZIP, p.Phone, p.Email, p.PCP}
}

func encounterRecord(e warehouse.Encounter) []any {
	var at any
	if e.EncounterTime != nil {
		at = *e.EncounterTime
	}
	var withPCP any
	if e.WithPCP != nil {
		withPCP = *e.WithPCP
	}
	return []any{e.MRN, e.Location, e.Dept, e.EncounterDate, at, e.EncounterType,
		e.ServiceProvider, withPCP, e.ApptStatus, e.Diagnoses, e.LevelOfService}
}

// streamCSV writes a header of columns and one record per row. The snapshot
// as-of date goes into the attachment name.
func streamCSV(w http.ResponseWriter, table string, modified time.Time, columns []string, rows [][]any) {
	stamp := modified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	filename := fmt.Sprintf("%s-%s.csv", table, stamp.UTC().Format("20060102T150405Z"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write(columns); err != nil {
		return
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i := range record {
			record[i] = formatValue(row[i])
		}
		if err := writer.Write(record); err != nil {
			return
		}
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case civil.Date:
		return v.String()
	case civil.Time:
		return v.String()
	case bool:
		if v {
			return "Y"
		}
		return "N"
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
