package reports

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql

	"github.com/agentarium/vigil/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Connection pool settings.
const (
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

const reportColumns = `id, agent_address, severity, expected_at, last_heartbeat_at, deadline_at,
	marketplace_snapshot, created_at, acknowledged, acknowledged_by, acknowledged_at,
	resolved, resolved_at, resolution`

// PostgresStore is the durable Store backed by PostgreSQL via the pgx
// driver. Schema management runs through embedded migrations on open.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to databaseURL, verifies
// it, and applies pending migrations.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying connection for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// runMigrations applies embedded migration files with golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "vigil", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// Create opens a report for the incident, or coalesces into the
// agent's existing open report.
func (s *PostgresStore) Create(ctx context.Context, incident models.Incident) (*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	addr := models.NormalizeAddress(incident.AgentAddress)
	snapshot, err := marshalSnapshot(incident.MarketplaceSnapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode marketplace snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	report, err := scanReport(tx.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM missing_reports
		 WHERE agent_address = $1 AND NOT resolved
		 FOR UPDATE`, addr))
	switch {
	case err == nil:
		severity := report.Severity
		if incident.Severity.Rank() > severity.Rank() {
			severity = incident.Severity
		}
		if severity != report.Severity || snapshot != nil {
			report, err = scanReport(tx.QueryRowContext(ctx,
				`UPDATE missing_reports
				 SET severity = $2, marketplace_snapshot = COALESCE($3, marketplace_snapshot)
				 WHERE id = $1
				 RETURNING `+reportColumns, report.ID, severity, snapshot))
			if err != nil {
				return nil, unavailable(err)
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, unavailable(err)
		}
		return report, nil

	case errors.Is(err, sql.ErrNoRows):
		report, err = scanReport(tx.QueryRowContext(ctx,
			`INSERT INTO missing_reports
			 (id, agent_address, severity, expected_at, last_heartbeat_at, deadline_at, marketplace_snapshot)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+reportColumns,
			uuid.New().String(), addr, incident.Severity,
			incident.ExpectedAt, incident.LastHeartbeatAt, incident.DeadlineAt, snapshot))
		if err != nil {
			if isUniqueViolation(err) {
				// Lost the insert race; the concurrent writer's open
				// report is the one to coalesce into.
				_ = tx.Rollback()
				return s.OpenByAgent(ctx, addr)
			}
			return nil, unavailable(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, unavailable(err)
		}
		return report, nil

	default:
		return nil, unavailable(err)
	}
}

// Get returns the report with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	report, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM missing_reports WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return report, nil
}

// OpenByAgent returns the agent's open report, or ErrNotFound.
func (s *PostgresStore) OpenByAgent(ctx context.Context, agentAddress string) (*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	report, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM missing_reports
		 WHERE agent_address = $1 AND NOT resolved`,
		models.NormalizeAddress(agentAddress)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return report, nil
}

// ListByAgent returns all of the agent's reports, newest first.
func (s *PostgresStore) ListByAgent(ctx context.Context, agentAddress string) ([]*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM missing_reports
		 WHERE agent_address = $1
		 ORDER BY created_at DESC, id DESC`,
		models.NormalizeAddress(agentAddress))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	return collectReports(rows)
}

// List returns a filtered page sorted by creation time descending.
func (s *PostgresStore) List(ctx context.Context, filter models.ReportFilter) (*models.ReportList, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	where, args := buildFilter(filter)

	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missing_reports`+where, args...).Scan(&total)
	if err != nil {
		return nil, unavailable(err)
	}

	query := `SELECT ` + reportColumns + ` FROM missing_reports` + where +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	reports, err := collectReports(rows)
	if err != nil {
		return nil, err
	}
	return &models.ReportList{Reports: reports, Total: total}, nil
}

// Acknowledge marks the report acknowledged by actor. Idempotent;
// resolved reports are returned unchanged.
func (s *PostgresStore) Acknowledge(ctx context.Context, id, actor string) (*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	report, err := scanReport(s.db.QueryRowContext(ctx,
		`UPDATE missing_reports
		 SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = now()
		 WHERE id = $1 AND NOT resolved
		 RETURNING `+reportColumns, id, actor))
	if errors.Is(err, sql.ErrNoRows) {
		// Either the report is resolved (no-op) or it does not exist.
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return report, nil
}

// Resolve terminally resolves the report; the first resolution wins.
func (s *PostgresStore) Resolve(ctx context.Context, id, resolution string) (*models.MissingReport, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	report, err := scanReport(s.db.QueryRowContext(ctx,
		`UPDATE missing_reports
		 SET resolved = TRUE, resolved_at = now(), resolution = $2,
		     acknowledged = TRUE, acknowledged_at = COALESCE(acknowledged_at, now())
		 WHERE id = $1 AND NOT resolved
		 RETURNING `+reportColumns, id, resolution))
	if errors.Is(err, sql.ErrNoRows) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return report, nil
}

// Stats returns the platform-wide report rollup.
func (s *PostgresStore) Stats(ctx context.Context) (*models.ReportStats, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	stats := &models.ReportStats{BySeverity: make(map[models.Severity]int)}
	var warning, critical, abandoned int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE severity = 'warning'),
		        COUNT(*) FILTER (WHERE severity = 'critical'),
		        COUNT(*) FILTER (WHERE severity = 'abandoned'),
		        COUNT(*) FILTER (WHERE NOT resolved),
		        COUNT(*) FILTER (WHERE NOT acknowledged)
		 FROM missing_reports`).Scan(
		&stats.Total, &warning, &critical, &abandoned,
		&stats.OpenCount, &stats.UnacknowledgedCount)
	if err != nil {
		return nil, unavailable(err)
	}
	stats.BySeverity[models.SeverityWarning] = warning
	stats.BySeverity[models.SeverityCritical] = critical
	stats.BySeverity[models.SeverityAbandoned] = abandoned
	return stats, nil
}

// GarbageCollect removes reports resolved more than olderThanDays ago.
func (s *PostgresStore) GarbageCollect(ctx context.Context, olderThanDays int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM missing_reports
		 WHERE resolved AND resolved_at < now() - make_interval(days => $1)`,
		olderThanDays)
	if err != nil {
		return 0, unavailable(err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(removed), nil
}

func buildFilter(filter models.ReportFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.AgentAddress != "" {
		add("agent_address", models.NormalizeAddress(filter.AgentAddress))
	}
	if filter.Severity != nil {
		add("severity", *filter.Severity)
	}
	if filter.Resolved != nil {
		add("resolved", *filter.Resolved)
	}
	if filter.Acknowledged != nil {
		add("acknowledged", *filter.Acknowledged)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*models.MissingReport, error) {
	var (
		report         models.MissingReport
		snapshot       []byte
		acknowledgedAt sql.NullTime
		resolvedAt     sql.NullTime
	)
	err := row.Scan(
		&report.ID, &report.AgentAddress, &report.Severity,
		&report.ExpectedAt, &report.LastHeartbeatAt, &report.DeadlineAt,
		&snapshot, &report.CreatedAt,
		&report.Acknowledged, &report.AcknowledgedBy, &acknowledgedAt,
		&report.Resolved, &resolvedAt, &report.Resolution)
	if err != nil {
		return nil, err
	}

	if len(snapshot) > 0 {
		report.MarketplaceSnapshot = &models.DeploymentStatus{}
		if err := json.Unmarshal(snapshot, report.MarketplaceSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode marketplace snapshot: %w", err)
		}
	}
	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		report.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		report.ResolvedAt = &t
	}
	return &report, nil
}

func collectReports(rows *sql.Rows) ([]*models.MissingReport, error) {
	reports := []*models.MissingReport{}
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return reports, nil
}

func marshalSnapshot(snapshot *models.DeploymentStatus) ([]byte, error) {
	if snapshot == nil {
		return nil, nil
	}
	return json.Marshal(snapshot)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
