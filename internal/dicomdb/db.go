// Package dicomdb indexes DICOM files into a queryable header database and
// manages which database location is current.
package dicomdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver for shared indexes
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// FileName is the SQLite file created inside a database directory.
const FileName = "dicom.sqlite"

// ErrNotFound is returned when a queried instance or file is not indexed.
var ErrNotFound = errors.New("not found in DICOM database")

// Instance is one indexed SOP instance.
type Instance struct {
	SOPInstanceUID    string
	SeriesInstanceUID string
	StudyInstanceUID  string
	PatientID         string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	InstanceNumber    int
	FilePath          string
	// Tags holds cached values keyed by "GGGG,EEEE"; multi-values are joined by a backslash.
	Tags map[string]string
}

// Series summarizes one indexed series.
type Series struct {
	SeriesInstanceUID string
	StudyInstanceUID  string
	PatientID         string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	Instances         int
}

// Database is an index of DICOM headers stored in SQLite or Postgres.
type Database struct {
	db       *sql.DB
	driver   string
	location string
}

// IsPostgres reports whether a location names a Postgres server.
func IsPostgres(location string) bool {
	return strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://")
}

// Open opens the index at location, creating the schema when needed. A
// postgres:// URL selects Postgres; anything else is a directory holding a
// SQLite file.
func Open(ctx context.Context, location string) (*Database, error) {
	if location == "" {
		return nil, errors.New("database location is required")
	}
	var (
		db     *sql.DB
		driver string
		err    error
	)
	if IsPostgres(location) {
		driver = "pgx"
		db, err = sql.Open(driver, location)
	} else {
		if err := os.MkdirAll(location, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		driver = "sqlite"
		db, err = sql.Open(driver, filepath.Join(location, FileName))
		if err == nil {
			// A single connection serializes writers and avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	d := &Database{db: db, driver: driver, location: location}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Location returns the directory or URL the database was opened from.
func (d *Database) Location() string { return d.location }

// Close releases the underlying connection pool.
func (d *Database) Close() error { return d.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		sop_instance_uid TEXT PRIMARY KEY,
		series_instance_uid TEXT NOT NULL,
		study_instance_uid TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		modality TEXT NOT NULL,
		series_number TEXT NOT NULL,
		series_description TEXT NOT NULL,
		instance_number INTEGER NOT NULL,
		file_path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS instances_series ON instances (series_instance_uid)`,
	`CREATE INDEX IF NOT EXISTS instances_file ON instances (file_path)`,
	`CREATE TABLE IF NOT EXISTS tag_cache (
		sop_instance_uid TEXT NOT NULL,
		tag TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (sop_instance_uid, tag)
	)`,
}

func (d *Database) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (d *Database) rebind(query string) string {
	if d.driver != "pgx" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const upsertInstance = `INSERT INTO instances (
	sop_instance_uid, series_instance_uid, study_instance_uid, patient_id, modality,
	series_number, series_description, instance_number, file_path
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (sop_instance_uid) DO UPDATE SET
	series_instance_uid = excluded.series_instance_uid,
	study_instance_uid = excluded.study_instance_uid,
	patient_id = excluded.patient_id,
	modality = excluded.modality,
	series_number = excluded.series_number,
	series_description = excluded.series_description,
	instance_number = excluded.instance_number,
	file_path = excluded.file_path`

const upsertTag = `INSERT INTO tag_cache (sop_instance_uid, tag, value) VALUES (?, ?, ?)
ON CONFLICT (sop_instance_uid, tag) DO UPDATE SET value = excluded.value`

// Insert stores instances in a single transaction. Re-inserting an instance
// replaces its row and cached tags.
func (d *Database) Insert(ctx context.Context, instances []Instance) (retErr error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	instStmt, err := tx.PrepareContext(ctx, d.rebind(upsertInstance))
	if err != nil {
		return fmt.Errorf("prepare instance upsert: %w", err)
	}
	defer func() { _ = instStmt.Close() }()
	tagStmt, err := tx.PrepareContext(ctx, d.rebind(upsertTag))
	if err != nil {
		return fmt.Errorf("prepare tag upsert: %w", err)
	}
	defer func() { _ = tagStmt.Close() }()

	for _, inst := range instances {
		if _, err := instStmt.ExecContext(ctx,
			inst.SOPInstanceUID, inst.SeriesInstanceUID, inst.StudyInstanceUID, inst.PatientID,
			inst.Modality, inst.SeriesNumber, inst.SeriesDescription, inst.InstanceNumber, inst.FilePath,
		); err != nil {
			return fmt.Errorf("insert instance %s: %w", inst.SOPInstanceUID, err)
		}
		for key, value := range inst.Tags {
			if _, err := tagStmt.ExecContext(ctx, inst.SOPInstanceUID, key, value); err != nil {
				return fmt.Errorf("cache tag %s of %s: %w", key, inst.SOPInstanceUID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Clear removes every indexed instance.
func (d *Database) Clear(ctx context.Context) error {
	for _, table := range []string{"tag_cache", "instances"} {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}

// InstanceCount returns the number of indexed instances.
func (d *Database) InstanceCount(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return n, nil
}

// Series lists every indexed series ordered by patient, study and series number.
func (d *Database) Series(ctx context.Context) ([]Series, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT series_instance_uid, MIN(study_instance_uid), MIN(patient_id),
		MIN(modality), MIN(series_number), MIN(series_description), COUNT(*)
		FROM instances GROUP BY series_instance_uid
		ORDER BY MIN(patient_id), MIN(study_instance_uid), MIN(series_number), series_instance_uid`)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Series
	for rows.Next() {
		var s Series
		if err := rows.Scan(&s.SeriesInstanceUID, &s.StudyInstanceUID, &s.PatientID,
			&s.Modality, &s.SeriesNumber, &s.SeriesDescription, &s.Instances); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SeriesFiles returns the files of a series ordered by instance number, then path.
func (d *Database) SeriesFiles(ctx context.Context, seriesUID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`SELECT file_path FROM instances
		WHERE series_instance_uid = ? ORDER BY instance_number, file_path`), seriesUID)
	if err != nil {
		return nil, fmt.Errorf("list files of series %s: %w", seriesUID, err)
	}
	defer func() { _ = rows.Close() }()

	var files []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// InstanceForFile returns the SOPInstanceUID indexed for a file.
func (d *Database) InstanceForFile(ctx context.Context, path string) (string, error) {
	var uid string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT sop_instance_uid FROM instances WHERE file_path = ?`), path).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("look up file %s: %w", path, err)
	}
	return uid, nil
}

// InstanceValue returns the cached value of a tag for an instance. The tag is
// a keyword or "GGGG,EEEE". An instance without the tag yields "".
func (d *Database) InstanceValue(ctx context.Context, sopInstanceUID, tagName string) (string, error) {
	info, err := LookupTag(tagName)
	if err != nil {
		return "", err
	}
	var value string
	err = d.db.QueryRowContext(ctx, d.rebind(`SELECT value FROM tag_cache WHERE sop_instance_uid = ? AND tag = ?`),
		sopInstanceUID, info.Key()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM instances WHERE sop_instance_uid = ?`),
			sopInstanceUID).Scan(&exists); err != nil {
			return "", fmt.Errorf("look up instance %s: %w", sopInstanceUID, err)
		}
		if exists == 0 {
			return "", fmt.Errorf("instance %s: %w", sopInstanceUID, ErrNotFound)
		}
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s of %s: %w", info.Name, sopInstanceUID, err)
	}
	return value, nil
}

// FileValue returns the cached value of a tag for the instance stored in path.
func (d *Database) FileValue(ctx context.Context, path, tagName string) (string, error) {
	uid, err := d.InstanceForFile(ctx, path)
	if err != nil {
		return "", err
	}
	return d.InstanceValue(ctx, uid, tagName)
}
