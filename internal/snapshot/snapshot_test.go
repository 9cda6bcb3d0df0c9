package snapshot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"prwpanel/internal/blob"
	"prwpanel/internal/config"
	"prwpanel/internal/infra/persistence/sqlite"
	"prwpanel/internal/warehouse"
)

type recLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recLogger) Debug(string, ...any) {}
func (l *recLogger) Info(string, ...any)  {}
func (l *recLogger) Error(string, ...any) {}
func (l *recLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, w := range l.warns {
		if w == msg {
			n++
		}
	}
	return n
}

var asOf = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func seedWarehouse(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	yes := true
	tables := warehouse.Tables{
		Patients: []warehouse.Patient{
			{MRN: 1001, Name: "Ada", Sex: warehouse.SexFemale, DOB: civil.Date{Year: 1980, Month: time.December, Day: 10}},
			{MRN: 1002, Name: "Bob", Sex: warehouse.SexMale, DOB: civil.Date{Year: 1975, Month: time.January, Day: 2}},
		},
		Encounters: []warehouse.Encounter{
			{MRN: 1001, Location: "Clinic A", Dept: "FM", EncounterDate: civil.Date{Year: 2024, Month: time.January, Day: 15}, EncounterType: "Office Visit", WithPCP: &yes},
			{MRN: 1002, Location: "Clinic B", Dept: "IM", EncounterDate: civil.Date{Year: 2024, Month: time.March, Day: 1}, EncounterType: "Telehealth"},
			{MRN: 1002, Location: "Clinic B", Dept: "IM", EncounterDate: civil.Date{Year: 2024, Month: time.April, Day: 3}, EncounterType: "Office Visit"},
		},
	}
	sources := []warehouse.SourcesMeta{{Filename: "encounters.xlsx", Modified: asOf.Add(-time.Hour)}}
	if err := warehouse.Replace(ctx, store, tables, warehouse.Meta{Modified: asOf}, sources); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return store
}

func mustCipher(t *testing.T, key []byte) Cipher {
	t.Helper()
	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func testKey(fill byte) []byte { return bytes.Repeat([]byte{fill}, config.KeySize) }

func newRemote(store blob.Store, c Cipher, log *recLogger) *RemoteSource {
	f := NewFetcher(store, "prw.sqlite3.enc", time.Second, log)
	f.backoff = 0
	return NewRemoteSource(f, c, log)
}

func TestCipherRoundTripAndFailures(t *testing.T) {
	c := mustCipher(t, testKey(7))
	sealed, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("payload")) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	plain, err := c.Decrypt(sealed)
	if err != nil || string(plain) != "payload" {
		t.Fatalf("Decrypt = %q, %v", plain, err)
	}
	other := mustCipher(t, testKey(8))
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for wrong key, got %v", err)
	}
	if _, err := c.Decrypt(sealed[:10]); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for short payload, got %v", err)
	}
	if _, err := NewCipher([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
	if p := mustCipher(t, nil); p.Encrypted() {
		t.Fatalf("nil key should select plaintext")
	}
}

func TestGenerateKeyIsUsable(t *testing.T) {
	encoded, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := config.Default()
	cfg.Snapshot.Key = encoded
	key, err := cfg.SnapshotKey()
	if err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
	if c := mustCipher(t, key); !c.Encrypted() {
		t.Fatalf("expected encrypting cipher")
	}
}

func TestPublishThenLoadEncrypted(t *testing.T) {
	ctx := context.Background()
	for name, store := range map[string]blob.Store{
		"memory": blob.NewMemory(),
		"s3":     blob.NewMockS3ForTests(),
	} {
		t.Run(name, func(t *testing.T) {
			c := mustCipher(t, testKey(1))
			res, err := NewPublisher(store, "prw.sqlite3.enc", c, nil).Publish(ctx, seedWarehouse(t))
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if res.Patients != 2 || res.Encounters != 3 || res.RunID == "" {
				t.Fatalf("unexpected publish result %+v", res)
			}
			info, err := store.Head(ctx, "prw.sqlite3.enc")
			if err != nil {
				t.Fatalf("Head: %v", err)
			}
			if info.Metadata[MetaEncrypted] != "true" || info.Metadata[MetaModified] != "2024-05-01T08:30:00Z" || info.Metadata[MetaRun] != res.RunID {
				t.Fatalf("unexpected object metadata %v", info.Metadata)
			}

			log := &recLogger{}
			loaded, err := newRemote(store, c, log).Load(ctx)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			ds := loaded.Dataset
			if !loaded.Encrypted || len(ds.Patients) != 2 || len(ds.Encounters) != 3 || !ds.Modified.Equal(asOf) {
				t.Fatalf("unexpected dataset %+v", loaded)
			}
			if ds.Encounters[0].WithPCP == nil || !*ds.Encounters[0].WithPCP {
				t.Fatalf("with_pcp lost in snapshot: %+v", ds.Encounters[0])
			}
			if log.count("loading unencrypted snapshot") != 0 {
				t.Fatalf("encrypted load should not warn")
			}

			_, err = newRemote(store, mustCipher(t, testKey(2)), &recLogger{}).Load(ctx)
			if !errors.Is(err, ErrDecrypt) || errors.Is(err, ErrInvalidImage) {
				t.Fatalf("expected ErrDecrypt only, got %v", err)
			}
		})
	}
}

func TestPublishCarriesSourcesMeta(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	c := mustCipher(t, testKey(3))
	res, err := NewPublisher(store, "prw.sqlite3.enc", c, nil).Publish(ctx, seedWarehouse(t))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.Sources != 1 {
		t.Fatalf("expected one source row published, got %d", res.Sources)
	}
	_, rc, err := store.Get(ctx, "prw.sqlite3.enc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	payload, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	image, err := c.Decrypt(payload)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	img, err := sqlite.LoadImage(ctx, image)
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	defer func() { _ = img.Close() }()
	sources, err := img.Sources(ctx)
	if err != nil {
		t.Fatalf("Sources: %v", err)
	}
	if len(sources) != 1 || sources[0].Filename != "encounters.xlsx" || !sources[0].Modified.Equal(asOf.Add(-time.Hour)) {
		t.Fatalf("unexpected sources_meta in snapshot %+v", sources)
	}
}

func TestUnencryptedModeWarnsOnEveryLoad(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	log := &recLogger{}
	if _, err := NewPublisher(store, "prw.sqlite3.enc", PlaintextCipher{}, log).Publish(ctx, seedWarehouse(t)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if log.count("publishing unencrypted snapshot") != 1 {
		t.Fatalf("expected publish warning, got %v", log.warns)
	}
	src := newRemote(store, PlaintextCipher{}, log)
	for i := 0; i < 2; i++ {
		loaded, err := src.Load(ctx)
		if err != nil {
			t.Fatalf("Load %d: %v", i, err)
		}
		if loaded.Encrypted {
			t.Fatalf("expected plaintext load")
		}
	}
	if got := log.count("loading unencrypted snapshot"); got != 2 {
		t.Fatalf("expected a warning per load, got %d", got)
	}
}

func putRaw(t *testing.T, store blob.Store, data []byte) {
	t.Helper()
	if _, err := store.Put(context.Background(), "prw.sqlite3.enc", bytes.NewReader(data), blob.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestInvalidImagesAreDistinctFromDecryptFailures(t *testing.T) {
	ctx := context.Background()
	c := mustCipher(t, testKey(3))
	cases := map[string][]byte{
		"binary garbage":   {0xff, 0xfe, 0x00, 0x01, 0x80},
		"truncated image":  append(append([]byte{}, sqlite.Header...), make([]byte, 100)...),
		"missing tables":   []byte("CREATE TABLE other(id INTEGER);"),
		"invalid sql text": []byte("this is not sql"),
	}
	for name, plain := range cases {
		t.Run(name, func(t *testing.T) {
			store := blob.NewMemory()
			sealed, err := c.Encrypt(plain)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			putRaw(t, store, sealed)
			_, err = newRemote(store, c, &recLogger{}).Load(ctx)
			if !errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrDecrypt) {
				t.Fatalf("expected ErrInvalidImage only, got %v", err)
			}
		})
	}
}

func TestLoadSQLScriptImage(t *testing.T) {
	script := `
CREATE TABLE patients (prw_id INTEGER PRIMARY KEY, mrn INTEGER, name TEXT, sex TEXT, dob DATE, address TEXT, city TEXT, state TEXT, zip TEXT, phone TEXT, email TEXT, pcp TEXT);
CREATE TABLE encounters (id INTEGER PRIMARY KEY, mrn INTEGER, location TEXT, dept TEXT, encounter_date DATE, encounter_time TIME, encounter_type TEXT, service_provider TEXT, with_pcp BOOLEAN, appt_status TEXT, diagnoses TEXT, level_of_service TEXT);
CREATE TABLE meta (id INTEGER PRIMARY KEY, modified DATETIME);
INSERT INTO patients(mrn, name, sex, dob) VALUES (1001, 'Ada', 'F', '1980-12-10');
INSERT INTO encounters(mrn, location, dept, encounter_date, encounter_type) VALUES (1001, 'Clinic', 'FM', '2024-01-15', 'Visit');
INSERT INTO meta(modified) VALUES ('2024-05-01 08:30:00');
`
	store, err := LoadImage(context.Background(), []byte(script))
	if err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	defer func() { _ = store.Close() }()
	ds, err := warehouse.ReadDataset(context.Background(), store)
	if err != nil {
		t.Fatalf("ReadDataset: %v", err)
	}
	if len(ds.Patients) != 1 || len(ds.Encounters) != 1 || !ds.Modified.Equal(asOf) {
		t.Fatalf("unexpected dataset %+v", ds)
	}
}

// flakyStore fails the first n Gets with err.
type flakyStore struct {
	blob.Store
	mu    sync.Mutex
	fails int
	err   error
	gets  int
}

func (s *flakyStore) Get(ctx context.Context, key string) (blob.Info, io.ReadCloser, error) {
	s.mu.Lock()
	s.gets++
	fail := s.gets <= s.fails
	s.mu.Unlock()
	if fail {
		return blob.Info{}, nil, s.err
	}
	return s.Store.Get(ctx, key)
}

func TestFetchRetriesOnceOnTransientFailure(t *testing.T) {
	inner := blob.NewMemory()
	putRaw(t, inner, []byte("bytes"))
	store := &flakyStore{Store: inner, fails: 1, err: errors.New("connection reset")}
	f := NewFetcher(store, "prw.sqlite3.enc", time.Second, nil)
	f.backoff = 0
	data, _, err := f.Fetch(context.Background())
	if err != nil || string(data) != "bytes" || store.gets != 2 {
		t.Fatalf("expected success on retry, got %q %v after %d gets", data, err, store.gets)
	}

	store = &flakyStore{Store: inner, fails: 2, err: errors.New("connection reset")}
	f = NewFetcher(store, "prw.sqlite3.enc", time.Second, nil)
	f.backoff = 0
	if _, _, err := f.Fetch(context.Background()); !errors.Is(err, ErrFetch) || store.gets != 2 {
		t.Fatalf("expected ErrFetch after two attempts, got %v after %d gets", err, store.gets)
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	store := &flakyStore{Store: blob.NewMemory()}
	f := NewFetcher(store, "absent", time.Second, nil)
	_, _, err := f.Fetch(context.Background())
	if !errors.Is(err, ErrFetch) || !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected ErrFetch wrapping ErrNotFound, got %v", err)
	}
	if store.gets != 1 {
		t.Fatalf("expected a single attempt, got %d", store.gets)
	}
}

func TestFetchStopsOnCancelledContext(t *testing.T) {
	store := &flakyStore{Store: blob.NewMemory(), fails: 5, err: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewFetcher(store, "prw.sqlite3.enc", time.Second, nil)
	if _, _, err := f.Fetch(ctx); !errors.Is(err, ErrFetch) || store.gets != 1 {
		t.Fatalf("expected one attempt then ErrFetch, got %v after %d gets", err, store.gets)
	}
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "panel.sqlite3")
	image, err := seedWarehouse(t).Serialize(ctx)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if err := os.WriteFile(path, image, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	log := &recLogger{}
	loaded, err := NewFileSource(path, log).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Origin != path || len(loaded.Dataset.Patients) != 2 || log.count("loading unencrypted snapshot") != 1 {
		t.Fatalf("unexpected file load %+v", loaded)
	}
	if _, err := NewFileSource(filepath.Join(t.TempDir(), "absent"), nil).Load(ctx); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected ErrFetch for missing file, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Blob.Driver = "memory"
	src, err := FromConfig(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := src.(*RemoteSource); !ok {
		t.Fatalf("expected remote source, got %T", src)
	}
	if _, err := src.Load(ctx); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found from empty store, got %v", err)
	}

	cfg.Snapshot.Source = config.SourceFile
	cfg.Snapshot.File = "panel.sqlite3"
	if src, err = FromConfig(ctx, cfg, nil); err != nil {
		t.Fatalf("FromConfig file: %v", err)
	}
	if _, ok := src.(*FileSource); !ok {
		t.Fatalf("expected file source, got %T", src)
	}

	cfg.Snapshot.Key = "not base64!"
	_, err = FromConfig(ctx, cfg, nil)
	if !errors.Is(err, config.ErrConfig) || strings.Contains(err.Error(), "not base64!") {
		t.Fatalf("expected ErrConfig without key echo, got %v", err)
	}
}
