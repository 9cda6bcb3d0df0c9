package warehouse

// Dialect selects the DDL flavour for a target database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Schema returns the CREATE TABLE statements for the dialect, ordered so that
// referenced tables precede referencing ones. Statements are idempotent.
func Schema(d Dialect) []string {
	if d == DialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

// DeleteOrder lists the data tables in an order that respects the
// encounters → patients foreign key.
var DeleteOrder = []string{TableEncounters, TablePatients}

// Key columns are plain INTEGER PRIMARY KEY on sqlite and BIGSERIAL on
// postgres, where writers clear with TRUNCATE ... RESTART IDENTITY. A
// re-ingest numbers rows from 1 on both.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY,
		modified TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sources_meta (
		id INTEGER PRIMARY KEY,
		filename TEXT NOT NULL UNIQUE,
		modified TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		prw_id INTEGER PRIMARY KEY,
		mrn INTEGER NOT NULL UNIQUE,
		name TEXT,
		sex TEXT NOT NULL CHECK (sex IN ('M','F','O')),
		dob TEXT NOT NULL,
		address TEXT,
		city TEXT,
		state TEXT,
		zip TEXT,
		phone TEXT,
		email TEXT,
		pcp TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS encounters (
		id INTEGER PRIMARY KEY,
		mrn INTEGER NOT NULL REFERENCES patients(mrn),
		location TEXT NOT NULL,
		dept TEXT NOT NULL,
		encounter_date TEXT NOT NULL,
		encounter_time TEXT,
		encounter_type TEXT NOT NULL,
		service_provider TEXT,
		with_pcp INTEGER,
		appt_status TEXT,
		diagnoses TEXT,
		level_of_service TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS encounters_mrn_idx ON encounters (mrn)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		id BIGSERIAL PRIMARY KEY,
		modified TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sources_meta (
		id BIGSERIAL PRIMARY KEY,
		filename TEXT NOT NULL UNIQUE,
		modified TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		prw_id BIGSERIAL PRIMARY KEY,
		mrn BIGINT NOT NULL UNIQUE,
		name TEXT,
		sex TEXT NOT NULL CHECK (sex IN ('M','F','O')),
		dob DATE NOT NULL,
		address TEXT,
		city TEXT,
		state TEXT,
		zip TEXT,
		phone TEXT,
		email TEXT,
		pcp TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS encounters (
		id BIGSERIAL PRIMARY KEY,
		mrn BIGINT NOT NULL REFERENCES patients(mrn),
		location TEXT NOT NULL,
		dept TEXT NOT NULL,
		encounter_date DATE NOT NULL,
		encounter_time TIME,
		encounter_type TEXT NOT NULL,
		service_provider TEXT,
		with_pcp BOOLEAN,
		appt_status TEXT,
		diagnoses TEXT,
		level_of_service TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS encounters_mrn_idx ON encounters (mrn)`,
}

// PatientColumns are the insertable patients columns in write order.
var PatientColumns = []string{"mrn", "name", "sex", "dob", "address", "city", "state", "zip", "phone", "email", "pcp"}

// EncounterColumns are the insertable encounters columns in write order.
var EncounterColumns = []string{
	"mrn", "location", "dept", "encounter_date", "encounter_time", "encounter_type",
	"service_provider", "with_pcp", "appt_status", "diagnoses", "level_of_service",
}
