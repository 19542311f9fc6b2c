// Package migrate applies ordered SQL schema migrations against a
// PostgreSQL database and records them in a ledger table.
//
// Every applied migration is stored with a checksum of its SQL. A
// migration whose SQL has changed since it was applied is reported as
// drifted and blocks further migration: editing history instead of
// appending a new migration is always a mistake worth stopping on.
//
// Concurrent runs from multiple replicas are expected to be serialized
// by a distributed lock (see the lock package); the ledger's primary key
// makes a lost race fail loudly rather than double-apply.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ekerr "github.com/edgekit/edgekit-core/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/edgekit/edgekit-core/pkg/migrate"

// DefaultTable is the ledger table name used when none is configured.
const DefaultTable = "schema_migrations"

// Migration is one named, immutable SQL migration. Names must be unique
// and are applied in slice order; prefix them with a sortable sequence
// such as 0001_create_sessions.
type Migration struct {
	Name string
	SQL  string
}

// Checksum returns the hex SHA-256 of the migration's SQL.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

// State classifies one migration relative to the ledger.
type State string

const (
	// StateApplied means the migration is in the ledger with a matching
	// checksum.
	StateApplied State = "applied"

	// StatePending means the migration is not in the ledger yet.
	StatePending State = "pending"

	// StateDrifted means the migration is in the ledger but its SQL has
	// changed since it was applied.
	StateDrifted State = "drifted"
)

// Entry is the status of one migration.
type Entry struct {
	Name      string
	State     State
	AppliedAt time.Time
}

// DB defines the PostgreSQL operations the Runner needs. It is satisfied
// by [*pgxpool.Pool] and by pgxmock pools for unit testing.
type DB interface {
	// Exec executes a SQL statement that does not return rows.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// Query executes a SQL query that returns rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// Begin starts a new database transaction.
	Begin(ctx context.Context) (pgx.Tx, error)

	// Ping verifies the connection to the database is alive.
	Ping(ctx context.Context) error
}

// Compile-time interface compliance check.
var _ DB = (*pgxpool.Pool)(nil)

// Options configures a [Runner].
type Options struct {
	// Table is the ledger table name. Defaults to [DefaultTable].
	Table string
}

// Runner applies migrations and reports their status.
//
// A Runner is safe for concurrent use, though concurrent Up calls
// against the same database should be serialized externally.
type Runner struct {
	db     DB
	table  string
	tracer trace.Tracer
}

// NewRunner creates a Runner over an existing pool or mock.
func NewRunner(db DB, opts Options) (*Runner, error) {
	if db == nil {
		return nil, ekerr.New(ekerr.CodeValidationRequired, "migrate: database is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	return &Runner{
		db:     db,
		table:  opts.Table,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// Connect creates a Runner with its own connection pool from a DSN,
// verifying connectivity with a ping.
func Connect(ctx context.Context, dsn string, opts Options) (*Runner, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeValidationFormat,
			"migrate: failed to parse database DSN")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"migrate: failed to connect to database")
	}
	return NewRunner(pool, opts)
}

// Up applies every pending migration in order and returns the names it
// applied. Each migration runs in its own transaction together with its
// ledger insert, so a failed migration leaves neither half behind.
//
// A drifted migration aborts the run with code [ekerr.CodeConflict]
// before anything is applied.
func (r *Runner) Up(ctx context.Context, migrations []Migration) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "migrate.Up")
	defer span.End()

	if err := validateMigrations(migrations); err != nil {
		return nil, err
	}
	if err := r.ensureLedger(ctx); err != nil {
		return nil, err
	}
	applied, err := r.loadLedger(ctx)
	if err != nil {
		return nil, err
	}

	if err := checkDrift(migrations, applied); err != nil {
		finishSpan(span, err)
		return nil, err
	}

	var ran []string
	for _, m := range migrations {
		if _, done := applied[m.Name]; done {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			finishSpan(span, err)
			return ran, err
		}
		ran = append(ran, m.Name)
	}

	span.SetAttributes(attribute.Int("migrate.applied_count", len(ran)))
	finishSpan(span, nil)
	return ran, nil
}

// Status reports the state of every given migration against the ledger,
// in migration order.
func (r *Runner) Status(ctx context.Context, migrations []Migration) ([]Entry, error) {
	ctx, span := r.tracer.Start(ctx, "migrate.Status")
	defer span.End()

	if err := validateMigrations(migrations); err != nil {
		return nil, err
	}
	if err := r.ensureLedger(ctx); err != nil {
		return nil, err
	}
	applied, err := r.loadLedger(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(migrations))
	for _, m := range migrations {
		rec, ok := applied[m.Name]
		switch {
		case !ok:
			entries = append(entries, Entry{Name: m.Name, State: StatePending})
		case rec.checksum != m.Checksum():
			entries = append(entries, Entry{Name: m.Name, State: StateDrifted, AppliedAt: rec.appliedAt})
		default:
			entries = append(entries, Entry{Name: m.Name, State: StateApplied, AppliedAt: rec.appliedAt})
		}
	}
	finishSpan(span, nil)
	return entries, nil
}

// Health verifies that the database connection is alive.
func (r *Runner) Health(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return ekerr.Wrap(err, ekerr.CodeUnavailableDependency,
			"migrate: health check failed")
	}
	return nil
}

type ledgerRecord struct {
	checksum  string
	appliedAt time.Time
}

func (r *Runner) ensureLedger(ctx context.Context) error {
	_, err := r.db.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.table))
	if err != nil {
		return ekerr.Wrap(err, ekerr.CodeInternalDatabase,
			"migrate: failed to create ledger table")
	}
	return nil
}

func (r *Runner) loadLedger(ctx context.Context) (map[string]ledgerRecord, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT name, checksum, applied_at FROM %s", r.table))
	if err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternalDatabase,
			"migrate: failed to read ledger")
	}
	defer rows.Close()

	records := make(map[string]ledgerRecord)
	for rows.Next() {
		var name string
		var rec ledgerRecord
		if err := rows.Scan(&name, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, ekerr.Wrap(err, ekerr.CodeInternalDatabase,
				"migrate: failed to scan ledger row")
		}
		records[name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, ekerr.Wrap(err, ekerr.CodeInternalDatabase,
			"migrate: failed to iterate ledger rows")
	}
	return records, nil
}

// apply runs one migration and its ledger insert in a single transaction.
func (r *Runner) apply(ctx context.Context, m Migration) error {
	ctx, span := r.tracer.Start(ctx, "migrate.apply")
	span.SetAttributes(attribute.String("migrate.name", m.Name))
	defer span.End()

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return ekerr.Wrap(err, ekerr.CodeInternalDatabase,
			"migrate: failed to begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return ekerr.Wrapf(err, ekerr.CodeInternalDatabase,
			"migrate: migration %s failed", m.Name)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (name, checksum) VALUES ($1, $2)", r.table),
		m.Name, m.Checksum()); err != nil {
		return ekerr.Wrapf(err, ekerr.CodeInternalDatabase,
			"migrate: failed to record migration %s", m.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return ekerr.Wrapf(err, ekerr.CodeInternalDatabase,
			"migrate: failed to commit migration %s", m.Name)
	}
	finishSpan(span, nil)
	return nil
}

func validateMigrations(migrations []Migration) error {
	seen := make(map[string]struct{}, len(migrations))
	for i, m := range migrations {
		if m.Name == "" {
			return ekerr.Newf(ekerr.CodeValidationRequired,
				"migrate: migration %d has no name", i)
		}
		if m.SQL == "" {
			return ekerr.Newf(ekerr.CodeValidationRequired,
				"migrate: migration %s has no SQL", m.Name)
		}
		if _, dup := seen[m.Name]; dup {
			return ekerr.Newf(ekerr.CodeValidation,
				"migrate: duplicate migration name %s", m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

func checkDrift(migrations []Migration, applied map[string]ledgerRecord) error {
	for _, m := range migrations {
		if rec, ok := applied[m.Name]; ok && rec.checksum != m.Checksum() {
			return ekerr.Newf(ekerr.CodeConflict,
				"migrate: migration %s changed after it was applied; append a new migration instead", m.Name).
				WithDetail("expected_checksum", rec.checksum).
				WithDetail("actual_checksum", m.Checksum())
		}
	}
	return nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}
