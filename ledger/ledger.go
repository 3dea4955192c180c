// Package ledger keeps a SQLite record of weaves. For every weave it
// stores the build id, the resource name and the addressing table with
// each literal reduced to an xxh3 fingerprint, so a build can later be
// matched to a literal without the ledger holding any plaintext.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"

	"github.com/chazu/litweave/weaver"
)

var log = commonlog.GetLogger("litweave.ledger")

// ErrWeaveNotFound indicates the requested build id is not in the ledger.
var ErrWeaveNotFound = errors.New("weave not found")

const schema = `
CREATE TABLE IF NOT EXISTS weaves (
	build_id        TEXT PRIMARY KEY,
	module          TEXT NOT NULL,
	input           TEXT NOT NULL,
	resource        TEXT NOT NULL,
	strategy        TEXT NOT NULL,
	encrypted       INTEGER NOT NULL,
	sites           INTEGER NOT NULL,
	buffer_bytes    INTEGER NOT NULL,
	key_fingerprint INTEGER NOT NULL,
	woven_at        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	build_id     TEXT NOT NULL REFERENCES weaves(build_id) ON DELETE CASCADE,
	slot         INTEGER NOT NULL,
	start_offset INTEGER NOT NULL,
	length       INTEGER NOT NULL,
	fingerprint  INTEGER NOT NULL,
	PRIMARY KEY (build_id, slot)
);
CREATE INDEX IF NOT EXISTS records_fingerprint ON records(fingerprint);
`

// Ledger is a handle on the ledger database. It is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	now    func() time.Time
}

// Entry summarizes one recorded weave.
type Entry struct {
	BuildID        string
	Module         string
	Input          string
	Resource       string
	Strategy       string
	Encrypted      bool
	Records        int
	Sites          int
	BufferBytes    int
	KeyFingerprint uint64
	WovenAt        time.Time
}

// Record is one addressing-table row.
type Record struct {
	Slot        uint32
	StartOffset uint32
	Length      uint32
	Fingerprint uint64
}

// Match is a recorded literal whose fingerprint matched a lookup.
type Match struct {
	BuildID string
	Module  string
	Record  Record
}

// Fingerprint returns the xxh3 hash the ledger stores for a literal.
func Fingerprint(value string) uint64 {
	return xxh3.HashString(value)
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps the pragmas in force for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	log.Debugf("opened ledger %s", path)
	return &Ledger{db: db, dbPath: path, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Path returns the database file.
func (l *Ledger) Path() string {
	return l.dbPath
}

// Add records a finished weave of the module read from input. Empty
// reports are not recorded.
func (l *Ledger) Add(input string, rep *weaver.Report) error {
	if rep.Empty() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO weaves
		(build_id, module, input, resource, strategy, encrypted, sites, buffer_bytes, key_fingerprint, woven_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.BuildID, rep.Module, input, rep.ResourceName, rep.Strategy.String(),
		rep.Encrypted, rep.Sites, rep.BufferBytes, int64(rep.KeyFingerprint),
		l.now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("saving weave %s: %w", rep.BuildID, err)
	}

	stmt, err := tx.Prepare("INSERT INTO records (build_id, slot, start_offset, length, fingerprint) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing record insert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range rep.Records {
		_, err := stmt.Exec(rep.BuildID, int64(rec.Slot), int64(rec.StartOffset), int64(rec.Length), int64(Fingerprint(rec.Value)))
		if err != nil {
			return fmt.Errorf("saving record %d: %w", rec.Slot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing weave %s: %w", rep.BuildID, err)
	}
	log.Infof("recorded weave %s of %s (%d records)", rep.BuildID, rep.Module, len(rep.Records))
	return nil
}

// timeFormat has a fixed width so timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const entryColumns = `w.build_id, w.module, w.input, w.resource, w.strategy, w.encrypted,
	(SELECT COUNT(*) FROM records r WHERE r.build_id = w.build_id),
	w.sites, w.buffer_bytes, w.key_fingerprint, w.woven_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e       Entry
		keyFP   int64
		wovenAt string
	)
	err := row.Scan(&e.BuildID, &e.Module, &e.Input, &e.Resource, &e.Strategy, &e.Encrypted,
		&e.Records, &e.Sites, &e.BufferBytes, &keyFP, &wovenAt)
	if err != nil {
		return nil, err
	}
	e.KeyFingerprint = uint64(keyFP)
	if e.WovenAt, err = time.Parse(timeFormat, wovenAt); err != nil {
		return nil, fmt.Errorf("weave %s: bad timestamp %q: %w", e.BuildID, wovenAt, err)
	}
	return &e, nil
}

// Weaves returns every recorded weave, oldest first.
func (l *Ledger) Weaves() ([]*Entry, error) {
	rows, err := l.db.Query("SELECT " + entryColumns + " FROM weaves w ORDER BY w.woven_at, w.build_id")
	if err != nil {
		return nil, fmt.Errorf("querying weaves: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning weave: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Weave returns one weave and its addressing table in slot order.
func (l *Ledger) Weave(buildID string) (*Entry, []Record, error) {
	e, err := scanEntry(l.db.QueryRow("SELECT "+entryColumns+" FROM weaves w WHERE w.build_id = ?", buildID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("%s: %w", buildID, ErrWeaveNotFound)
		}
		return nil, nil, fmt.Errorf("querying weave %s: %w", buildID, err)
	}

	rows, err := l.db.Query("SELECT slot, start_offset, length, fingerprint FROM records WHERE build_id = ? ORDER BY slot", buildID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		recs = append(recs, rec)
	}
	return e, recs, rows.Err()
}

func scanRecord(row scanner, extra ...any) (Record, error) {
	var (
		rec Record
		fp  int64
	)
	dest := append(extra, &rec.Slot, &rec.StartOffset, &rec.Length, &fp)
	if err := row.Scan(dest...); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	rec.Fingerprint = uint64(fp)
	return rec, nil
}

// Find returns every recorded literal whose fingerprint matches value.
func (l *Ledger) Find(value string) ([]Match, error) {
	rows, err := l.db.Query(`SELECT r.build_id, w.module, r.slot, r.start_offset, r.length, r.fingerprint
		FROM records r JOIN weaves w ON w.build_id = r.build_id
		WHERE r.fingerprint = ?
		ORDER BY w.woven_at, r.build_id, r.slot`, int64(Fingerprint(value)))
	if err != nil {
		return nil, fmt.Errorf("querying fingerprint: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if m.Record, err = scanRecord(rows, &m.BuildID, &m.Module); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a weave and its records.
func (l *Ledger) Delete(buildID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM records WHERE build_id = ?", buildID); err != nil {
		return fmt.Errorf("deleting records of %s: %w", buildID, err)
	}
	res, err := tx.Exec("DELETE FROM weaves WHERE build_id = ?", buildID)
	if err != nil {
		return fmt.Errorf("deleting weave %s: %w", buildID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", buildID, ErrWeaveNotFound)
	}
	return tx.Commit()
}
