package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence for run history and the
// outbound delivery ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// TransferRun Operations
// ============================================================================

// CreateRun inserts a new TransferRun and sets its ID
func (s *Store) CreateRun(run *TransferRun) error {
	const query = `
		INSERT INTO transfer_runs (
			run_id, direction, start_time, end_time, files_ok, files_failed, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.RunID, run.Direction, run.StartTime, run.EndTime,
		run.FilesOK, run.FilesFailed, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing TransferRun by ID
func (s *Store) UpdateRun(run *TransferRun) error {
	const query = `
		UPDATE transfer_runs SET
			end_time = ?, files_ok = ?, files_failed = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.EndTime, run.FilesOK, run.FilesFailed, run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transfer run %d: %w", run.ID, ErrNotFound)
	}

	return nil
}

const runColumns = `id, run_id, direction, start_time, end_time, files_ok, files_failed, status, error_message`

func scanRun(row interface{ Scan(...any) error }) (*TransferRun, error) {
	run := &TransferRun{}
	err := row.Scan(
		&run.ID, &run.RunID, &run.Direction, &run.StartTime, &run.EndTime,
		&run.FilesOK, &run.FilesFailed, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// GetRun retrieves a TransferRun by its run ID (uuid)
func (s *Store) GetRun(runID string) (*TransferRun, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM transfer_runs WHERE run_id = ?", runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transfer run %s: %w", runID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query transfer run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves TransferRuns newest first, optionally filtered by direction
func (s *Store) ListRuns(direction string, limit int) ([]TransferRun, error) {
	query := "SELECT " + runColumns + " FROM transfer_runs"
	var args []interface{}

	if direction != "" {
		query += " WHERE direction = ?"
		args = append(args, direction)
	}

	query += " ORDER BY start_time DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer runs: %w", err)
	}
	defer rows.Close()

	var runs []TransferRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer run: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// TransferFile Operations
// ============================================================================

// AddFile records the outcome of one file within a run
func (s *Store) AddFile(f *TransferFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO transfer_files (run_id, partner_id, file_name, state, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query, f.RunID, f.PartnerID, f.FileName, f.State, f.Success, f.Error, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer file: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	f.ID = id
	return nil
}

// ListFiles retrieves the file outcomes of a run in insertion order
func (s *Store) ListFiles(runID int64) ([]TransferFile, error) {
	const query = `
		SELECT id, run_id, partner_id, file_name, state, success, error, created_at
		FROM transfer_files WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer files: %w", err)
	}
	defer rows.Close()

	var files []TransferFile
	for rows.Next() {
		f := TransferFile{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.PartnerID, &f.FileName, &f.State, &f.Success, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transfer files: %w", err)
	}

	return files, nil
}

// ============================================================================
// Delivery Ledger Operations
// ============================================================================

// RecordDelivery stores a successful upload. Re-recording the same
// partner/name/hash refreshes delivered_at and clears any archive state.
func (s *Store) RecordDelivery(d *Delivery) error {
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}

	const query = `
		INSERT INTO deliveries (partner_id, file_name, sha256, delivered_at, archived_at, archive_path)
		VALUES (?, ?, ?, ?, NULL, '')
		ON CONFLICT(partner_id, file_name, sha256) DO UPDATE SET
			delivered_at = excluded.delivered_at, archived_at = NULL, archive_path = ''
	`

	if _, err := s.db.Exec(query, d.PartnerID, d.FileName, d.SHA256, d.DeliveredAt); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	err := s.db.QueryRow(
		"SELECT id FROM deliveries WHERE partner_id = ? AND file_name = ? AND sha256 = ?",
		d.PartnerID, d.FileName, d.SHA256,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to read delivery id: %w", err)
	}

	d.ArchivedAt = time.Time{}
	d.ArchivePath = ""
	return nil
}

// MarkArchived records where a delivered file was archived
func (s *Store) MarkArchived(id int64, archivePath string, at time.Time) error {
	result, err := s.db.Exec(
		"UPDATE deliveries SET archived_at = ?, archive_path = ? WHERE id = ?",
		at, archivePath, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark delivery archived: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery %d: %w", id, ErrNotFound)
	}
	return nil
}

// FindDelivery looks up a delivery by partner, file name and content hash
func (s *Store) FindDelivery(partnerID, fileName, sha string) (*Delivery, error) {
	const query = `
		SELECT id, partner_id, file_name, sha256, delivered_at, archived_at, archive_path
		FROM deliveries WHERE partner_id = ? AND file_name = ? AND sha256 = ?
	`

	d := &Delivery{}
	var archivedAt sql.NullTime
	err := s.db.QueryRow(query, partnerID, fileName, sha).Scan(
		&d.ID, &d.PartnerID, &d.FileName, &d.SHA256, &d.DeliveredAt, &archivedAt, &d.ArchivePath,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s/%s: %w", partnerID, fileName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query delivery: %w", err)
	}
	if archivedAt.Valid {
		d.ArchivedAt = archivedAt.Time
	}
	return d, nil
}

// ListUnarchived returns deliveries that were uploaded but never archived
func (s *Store) ListUnarchived() ([]Delivery, error) {
	const query = `
		SELECT id, partner_id, file_name, sha256, delivered_at, archive_path
		FROM deliveries WHERE archived_at IS NULL ORDER BY delivered_at
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d := Delivery{}
		if err := rows.Scan(&d.ID, &d.PartnerID, &d.FileName, &d.SHA256, &d.DeliveredAt, &d.ArchivePath); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}

	return out, nil
}
