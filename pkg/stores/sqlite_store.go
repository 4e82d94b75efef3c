package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/patchwork/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db    *sql.DB
	cfg   Config
	codec engine.ManifestCodec
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Codec decodes package manifests when listing components. Without a
	// codec, listed components carry no dependencies.
	Codec engine.ManifestCodec
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, codec: cfg.Codec}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Init opens the database connection. File databases use WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemoryPath(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const packageColumns = `id, component_id, component_version, package_type, description,
	release_date, execution_date, execution_result, execution_error, manifest`

// SaveInitialPackage records that a patch is about to run.
func (s *SQLiteStore) SaveInitialPackage(ctx context.Context, pkg *engine.Package) error {
	return s.upsertPackage(ctx, pkg)
}

// SavePackage records the outcome of a patch execution.
func (s *SQLiteStore) SavePackage(ctx context.Context, pkg *engine.Package) error {
	return s.upsertPackage(ctx, pkg)
}

// upsertPackage writes pkg keyed by (component, type, version) and sets
// pkg.ID to the id of the stored row.
func (s *SQLiteStore) upsertPackage(ctx context.Context, pkg *engine.Package) error {
	if err := checkPackage(pkg); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	version := pkg.ComponentVersion.String()
	now := time.Now().UTC()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM packages WHERE component_id = ? AND package_type = ? AND component_version = ?`,
		pkg.ComponentID, pkg.PackageType, version,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = pkg.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO packages (`+packageColumns+`, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			id,
			pkg.ComponentID,
			version,
			pkg.PackageType,
			pkg.Description,
			nullTime(pkg.ReleaseDate),
			nullTime(pkg.ExecutionDate),
			pkg.ExecutionResult,
			pkg.ExecutionError,
			pkg.Manifest,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert package: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up package: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE packages
			SET description = ?, release_date = ?, execution_date = ?, execution_result = ?,
			    execution_error = ?, manifest = ?, updated_at = ?
			WHERE id = ?
		`,
			pkg.Description,
			nullTime(pkg.ReleaseDate),
			nullTime(pkg.ExecutionDate),
			pkg.ExecutionResult,
			pkg.ExecutionError,
			pkg.Manifest,
			now,
			id,
		)
		if err != nil {
			return fmt.Errorf("failed to update package: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit package: %w", err)
	}

	pkg.ID = id
	return nil
}

// GetPackage retrieves a package by ID
func (s *SQLiteStore) GetPackage(ctx context.Context, id string) (*engine.Package, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id)

	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return pkg, nil
}

// ListPackages lists packages ordered by component and version.
func (s *SQLiteStore) ListPackages(ctx context.Context, filter PackageFilter) ([]*engine.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE (? = '' OR component_id = ?)`
	args := []interface{}{filter.ComponentID, filter.ComponentID}

	if len(filter.Results) > 0 {
		placeholders := make([]string, len(filter.Results))
		for i, r := range filter.Results {
			placeholders[i] = "?"
			args = append(args, r)
		}
		query += ` AND execution_result IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY component_id, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	packages := []*engine.Package{}
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		packages = append(packages, pkg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}

	sortPackages(packages)
	return paginate(packages, filter.Limit, filter.Offset), nil
}

// DeletePackage deletes a package by ID
func (s *SQLiteStore) DeletePackage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM packages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete package: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("package %s: %w", id, ErrNotFound)
	}

	return nil
}

// LoadInstalledComponents lists the successfully installed packages.
func (s *SQLiteStore) LoadInstalledComponents(ctx context.Context) ([]engine.ComponentInfo, error) {
	packages, err := s.ListPackages(ctx, PackageFilter{
		Results: []engine.ExecutionResult{engine.ExecutionResultSuccessful},
	})
	if err != nil {
		return nil, err
	}
	return componentInfos(packages, s.codec)
}

// LoadIncompleteComponents lists packages that were started but did not
// finish successfully.
func (s *SQLiteStore) LoadIncompleteComponents(ctx context.Context) ([]engine.ComponentInfo, error) {
	packages, err := s.ListPackages(ctx, PackageFilter{Results: incompleteResults})
	if err != nil {
		return nil, err
	}
	return componentInfos(packages, s.codec)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row scanner) (*engine.Package, error) {
	var (
		pkg           engine.Package
		version       string
		releaseDate   sql.NullTime
		executionDate sql.NullTime
	)

	err := row.Scan(
		&pkg.ID,
		&pkg.ComponentID,
		&version,
		&pkg.PackageType,
		&pkg.Description,
		&releaseDate,
		&executionDate,
		&pkg.ExecutionResult,
		&pkg.ExecutionError,
		&pkg.Manifest,
	)
	if err != nil {
		return nil, err
	}

	v, err := engine.ParseVersion(version)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", pkg.ID, err)
	}
	pkg.ComponentVersion = v
	if releaseDate.Valid {
		pkg.ReleaseDate = releaseDate.Time
	}
	if executionDate.Valid {
		pkg.ExecutionDate = executionDate.Time
	}
	return &pkg, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	prepareRun(run)

	query := `
		INSERT INTO runs (id, mode, status, executed, faulted, errors, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Mode,
		run.Status,
		run.Executed,
		run.Faulted,
		run.Errors,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, mode, status, executed, faulted, errors, error, started_at, completed_at, created_at, updated_at`

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.Mode,
		&run.Status,
		&run.Executed,
		&run.Faulted,
		&run.Errors,
		&run.Error,
		&run.StartedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// CompleteRun records the final status and counters of a run.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, summary RunSummary) error {
	query := `
		UPDATE runs
		SET status = ?, executed = ?, faulted = ?, errors = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		status, summary.Executed, summary.Faulted, summary.Errors, summary.Error, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs with pagination, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, type, phase, pass, is_error, component_id, patch_version, patch_type,
		                    message, duration_ms, simulation, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Type,
		event.Phase,
		event.Pass,
		event.IsError,
		event.ComponentID,
		event.PatchVersion,
		event.PatchType,
		event.Message,
		event.DurationMS,
		event.Simulation,
		event.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, run_id, type, phase, pass, is_error, component_id, patch_version, patch_type,
		       message, duration_ms, simulation, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR component_id = ?)
		  AND (? = 0 OR is_error = 1)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.ComponentID, filter.ComponentID,
		filter.ErrorsOnly,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Phase,
			&event.Pass,
			&event.IsError,
			&event.ComponentID,
			&event.PatchVersion,
			&event.PatchType,
			&event.Message,
			&event.DurationMS,
			&event.Simulation,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
