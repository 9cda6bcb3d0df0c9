// Package warehouse defines the panel warehouse schema shared by the ingest
// pipeline and the dashboard snapshot loader.
package warehouse

import (
	"time"

	"cloud.google.com/go/civil"
)

// Table names of the canonical schema.
const (
	TablePatients    = "patients"
	TableEncounters  = "encounters"
	TableMeta        = "meta"
	TableSourcesMeta = "sources_meta"
)

// Sex codes accepted by the patients table.
const (
	SexMale   = "M"
	SexFemale = "F"
	SexOther  = "O"
)

// Patient is one row of the patients table, unique by MRN.
type Patient struct {
	ID      int64      `json:"prw_id"`
	MRN     int64      `json:"mrn"`
	Name    string     `json:"name,omitempty"`
	Sex     string     `json:"sex"`
	DOB     civil.Date `json:"dob"`
	Address string     `json:"address,omitempty"`
	City    string     `json:"city,omitempty"`
	State   string     `json:"state,omitempty"`
	ZIP     string     `json:"zip,omitempty"`
	Phone   string     `json:"phone,omitempty"`
	Email   string     `json:"email,omitempty"`
	PCP     string     `json:"pcp,omitempty"`
}

// Encounter is one visit row. MRN references Patient.MRN.
type Encounter struct {
	ID              int64       `json:"id"`
	MRN             int64       `json:"mrn"`
	Location        string      `json:"location"`
	Dept            string      `json:"dept"`
	EncounterDate   civil.Date  `json:"encounter_date"`
	EncounterTime   *civil.Time `json:"encounter_time,omitempty"`
	EncounterType   string      `json:"encounter_type"`
	ServiceProvider string      `json:"service_provider,omitempty"`
	WithPCP         *bool       `json:"with_pcp,omitempty"`
	ApptStatus      string      `json:"appt_status,omitempty"`
	Diagnoses       string      `json:"diagnoses,omitempty"`
	LevelOfService  string      `json:"level_of_service,omitempty"`
}

// Meta is the singleton "last ingest" row.
type Meta struct {
	Modified time.Time `json:"modified"`
}

// SourcesMeta records the on-disk modification time of one ingested file.
type SourcesMeta struct {
	Filename string    `json:"filename"`
	Modified time.Time `json:"modified"`
}

// Tables is the record set produced by one ingest run.
type Tables struct {
	Patients   []Patient
	Encounters []Encounter
}

// Dataset is the read-only view handed to the dashboard.
type Dataset struct {
	Modified   time.Time   `json:"modified"`
	Patients   []Patient   `json:"patients"`
	Encounters []Encounter `json:"encounters"`
}

// CheckReferences returns the MRNs referenced by encounters that have no
// matching patient row.
func (t Tables) CheckReferences() []int64 {
	known := make(map[int64]struct{}, len(t.Patients))
	for _, p := range t.Patients {
		known[p.MRN] = struct{}{}
	}
	var missing []int64
	seen := make(map[int64]struct{})
	for _, e := range t.Encounters {
		if _, ok := known[e.MRN]; ok {
			continue
		}
		if _, dup := seen[e.MRN]; dup {
			continue
		}
		seen[e.MRN] = struct{}{}
		missing = append(missing, e.MRN)
	}
	return missing
}
