// Package datarecording stores actuation traces in a SQLite database so
// that scheduling behavior can be inspected after a run.
package datarecording

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// ArmingRecord describes one executor arming performed by a scheduler.
type ArmingRecord struct {
	Scheduler    string
	Kind         string
	AngleFromNow float64
	RPM          float64
	ArmedAt      float64
	Immediate    bool
}

// SweepRecord summarizes one per-tooth sweep of a scheduler.
type SweepRecord struct {
	Scheduler     string
	ToothIndex    uint32
	RPM           float64
	EdgeTimestamp float64
	Scanned       int
	Armed         int
	Retained      int
}

// A Recorder buffers arming and sweep records and writes them to SQLite in
// batches.
type Recorder struct {
	mu sync.Mutex
	db *sql.DB

	armings []ArmingRecord
	sweeps  []SweepRecord

	batchSize int
}

// New creates a Recorder backed by path + ".sqlite3". An empty path picks a
// unique name. The recorder flushes at process exit.
func New(path string) *Recorder {
	if path == "" {
		path = "crank_trace_" + xid.New().String()
	}

	filename := path + ".sqlite3"

	_, err := os.Stat(filename)
	if err == nil {
		panic(fmt.Errorf("file %s already exists", filename))
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Database created for recording: %s\n", filename)

	r := NewWithDB(db)

	return r
}

// NewWithDB creates a Recorder on an existing database connection.
func NewWithDB(db *sql.DB) *Recorder {
	r := &Recorder{
		db:        db,
		batchSize: 100000,
	}

	r.createTables()

	atexit.Register(func() { r.Flush() })

	return r
}

// DB exposes the underlying connection, mainly for tests.
func (r *Recorder) DB() *sql.DB {
	return r.db
}

func (r *Recorder) createTables() {
	r.mustExecute(`CREATE TABLE armings (
	scheduler TEXT,
	kind TEXT,
	angle_from_now REAL,
	rpm REAL,
	armed_at REAL,
	immediate INTEGER
);`)

	r.mustExecute(`CREATE TABLE sweeps (
	scheduler TEXT,
	tooth_index INTEGER,
	rpm REAL,
	edge_timestamp REAL,
	scanned INTEGER,
	armed INTEGER,
	retained INTEGER
);`)
}

// RecordArming buffers one arming record.
func (r *Recorder) RecordArming(rec ArmingRecord) {
	r.mu.Lock()
	r.armings = append(r.armings, rec)
	full := len(r.armings)+len(r.sweeps) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.Flush()
	}
}

// RecordSweep buffers one sweep record.
func (r *Recorder) RecordSweep(rec SweepRecord) {
	r.mu.Lock()
	r.sweeps = append(r.sweeps, rec)
	full := len(r.armings)+len(r.sweeps) >= r.batchSize
	r.mu.Unlock()

	if full {
		r.Flush()
	}
}

// Flush writes all buffered records into the database.
func (r *Recorder) Flush() {
	r.mu.Lock()
	armings := r.armings
	sweeps := r.sweeps
	r.armings = nil
	r.sweeps = nil
	r.mu.Unlock()

	if len(armings) == 0 && len(sweeps) == 0 {
		return
	}

	r.mustExecute("BEGIN TRANSACTION")
	defer r.mustExecute("COMMIT TRANSACTION")

	if len(armings) > 0 {
		stmt := r.mustPrepare(
			"INSERT INTO armings VALUES (?, ?, ?, ?, ?, ?)")
		for _, a := range armings {
			_, err := stmt.Exec(a.Scheduler, a.Kind, a.AngleFromNow,
				a.RPM, a.ArmedAt, a.Immediate)
			if err != nil {
				panic(err)
			}
		}
		stmt.Close()
	}

	if len(sweeps) > 0 {
		stmt := r.mustPrepare(
			"INSERT INTO sweeps VALUES (?, ?, ?, ?, ?, ?, ?)")
		for _, s := range sweeps {
			_, err := stmt.Exec(s.Scheduler, s.ToothIndex, s.RPM,
				s.EdgeTimestamp, s.Scanned, s.Armed, s.Retained)
			if err != nil {
				panic(err)
			}
		}
		stmt.Close()
	}
}

func (r *Recorder) mustExecute(query string) sql.Result {
	res, err := r.db.Exec(query)
	if err != nil {
		fmt.Printf("Failed to execute: %s\n", query)
		panic(err)
	}

	return res
}

func (r *Recorder) mustPrepare(query string) *sql.Stmt {
	stmt, err := r.db.Prepare(query)
	if err != nil {
		panic(err)
	}

	return stmt
}
