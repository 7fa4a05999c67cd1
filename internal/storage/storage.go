// Package storage is the Persistence façade: append-only writes of the
// three telemetry tables plus the single settings record, against
// PostgreSQL via database/sql and github.com/lib/pq.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"kuramo.ch/routeb-meterd/internal/meter"
)

// Schema is the DDL this façade expects to already exist (migrations are
// an external collaborator); kept here as the authoritative reference
// for operators bootstrapping a fresh database.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
	id bigserial PRIMARY KEY,
	note json NOT NULL
);
CREATE TABLE IF NOT EXISTS instant_epower (
	id bigserial PRIMARY KEY,
	location varchar(255),
	recorded_at timestamptz NOT NULL,
	watt numeric NOT NULL
);
CREATE TABLE IF NOT EXISTS instant_current (
	id bigserial PRIMARY KEY,
	location varchar(255),
	recorded_at timestamptz NOT NULL,
	r numeric NOT NULL,
	t numeric
);
CREATE TABLE IF NOT EXISTS cumlative_amount_epower (
	id bigserial PRIMARY KEY,
	location varchar(255),
	recorded_at timestamptz NOT NULL,
	kwh numeric NOT NULL
);
`

// Store is the Persistence façade's connection pool and prepared
// statements, mirroring the prepare-once/execute-many shape the knx
// bus monitor façade in this codebase's lineage uses for its own
// upsert statements.
type Store struct {
	db *sql.DB

	insertSettings         *sql.Stmt
	insertInstantPower     *sql.Stmt
	insertInstantCurrent   *sql.Stmt
	insertCumulativeEnergy *sql.Stmt
	latestSettings         *sql.Stmt
}

// Open connects to databaseURL and prepares every statement the façade
// issues, failing fast if the schema is not already present.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{db: db}
	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&s.insertSettings, `INSERT INTO settings (note) VALUES ($1) RETURNING id`},
		{&s.insertInstantPower, `INSERT INTO instant_epower (location, recorded_at, watt) VALUES ($1, $2, $3)`},
		{&s.insertInstantCurrent, `INSERT INTO instant_current (location, recorded_at, r, t) VALUES ($1, $2, $3, $4)`},
		{&s.insertCumulativeEnergy, `INSERT INTO cumlative_amount_epower (location, recorded_at, kwh) VALUES ($1, $2, $3)`},
		{&s.latestSettings, `SELECT id, note FROM settings ORDER BY id DESC LIMIT 1`},
	}
	for _, st := range stmts {
		prepared, err := db.PrepareContext(ctx, st.text)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: prepare %q: %w", st.text, err)
		}
		*st.dst = prepared
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSettings persists one Settings record as its JSON note column
// and returns the assigned row id.
func (s *Store) InsertSettings(ctx context.Context, settings meter.Settings) (int64, error) {
	note, err := json.Marshal(settings)
	if err != nil {
		return 0, fmt.Errorf("storage: marshal settings: %w", err)
	}
	var id int64
	if err := s.insertSettings.QueryRowContext(ctx, note).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage: insert settings: %w", err)
	}
	return id, nil
}

// LatestSettings returns the most recently written Settings row.
func (s *Store) LatestSettings(ctx context.Context) (meter.Settings, error) {
	var id int64
	var note []byte
	if err := s.latestSettings.QueryRowContext(ctx).Scan(&id, &note); err != nil {
		if err == sql.ErrNoRows {
			return meter.Settings{}, fmt.Errorf("storage: no settings row has been written yet")
		}
		return meter.Settings{}, fmt.Errorf("storage: latest settings: %w", err)
	}
	var settings meter.Settings
	if err := json.Unmarshal(note, &settings); err != nil {
		return meter.Settings{}, fmt.Errorf("storage: unmarshal settings: %w", err)
	}
	settings.ID = id
	return settings, nil
}

// InsertInstantPower appends one instant_epower row. Callers are
// expected to have already dropped samples that came back Unavailable;
// this call never writes a zero value standing in for a missing read.
func (s *Store) InsertInstantPower(ctx context.Context, sample meter.InstantPowerSample) error {
	_, err := s.insertInstantPower.ExecContext(ctx, sample.Location, sample.RecordedAt, sample.Watt)
	if err != nil {
		return fmt.Errorf("storage: insert instant power: %w", err)
	}
	return nil
}

// InsertInstantCurrent appends one instant_current row. T is written as
// SQL NULL when the meter is single-phase 2-wire.
func (s *Store) InsertInstantCurrent(ctx context.Context, sample meter.InstantCurrentSample) error {
	_, err := s.insertInstantCurrent.ExecContext(ctx, sample.Location, sample.RecordedAt, sample.R, nullableFloat(sample.T))
	if err != nil {
		return fmt.Errorf("storage: insert instant current: %w", err)
	}
	return nil
}

// nullableFloat converts an optional float into the interface{} value
// database/sql needs to write it as either a number or SQL NULL.
func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// InsertCumulativeEnergy appends one cumlative_amount_epower row.
func (s *Store) InsertCumulativeEnergy(ctx context.Context, sample meter.CumulativeEnergySample) error {
	_, err := s.insertCumulativeEnergy.ExecContext(ctx, sample.Location, sample.RecordedAt, sample.KWh)
	if err != nil {
		return fmt.Errorf("storage: insert cumulative energy: %w", err)
	}
	return nil
}
