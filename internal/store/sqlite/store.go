// Package sqlite implements the queue store on an embedded SQLite database.
//
// Timestamps are stored as UTC unix microseconds so ordering and the expiry
// arithmetic stay in plain integer SQL.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"queueless/internal/models"
	"queueless/internal/store"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const (
	queueColumns = `queue_id, name, description, average_service_time_minutes, max_wait_minutes, is_open, created_at, owner_id, location_id`
	entryColumns = `entry_id, queue_id, client_name, joined_at, status`

	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
	microsPerMinute        = int64(time.Minute / time.Microsecond)
)

type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn, applies connection pragmas and
// creates the schema. ":memory:" opens a private in-memory database backed by
// a single connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")

	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !memory {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sql.Open("sqlite", dsn+sep+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateLocation(ctx context.Context, input store.CreateLocationInput) (models.ServiceLocation, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO service_locations (name, address, phone_number, created_at)
		VALUES (?, ?, ?, ?)
	`, input.Name, nullIfEmpty(input.Address), nullIfEmpty(input.PhoneNumber), toMicros(createdAt))
	if err != nil {
		return models.ServiceLocation{}, classify(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.ServiceLocation{}, err
	}
	return models.ServiceLocation{
		LocationID:  id,
		Name:        input.Name,
		Address:     input.Address,
		PhoneNumber: input.PhoneNumber,
		CreatedAt:   fromMicros(toMicros(createdAt)),
	}, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]models.ServiceLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location_id, name, address, phone_number, created_at
		FROM service_locations
		ORDER BY name ASC, location_id ASC
	`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var locations []models.ServiceLocation
	for rows.Next() {
		location, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return locations, classify(rows.Err())
}

func (s *Store) GetLocation(ctx context.Context, locationID int64) (models.ServiceLocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT location_id, name, address, phone_number, created_at
		FROM service_locations
		WHERE location_id = ?
	`, locationID)
	location, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ServiceLocation{}, store.ErrLocationNotFound
		}
		return models.ServiceLocation{}, classify(err)
	}
	return location, nil
}

func (s *Store) CreateQueue(ctx context.Context, input store.CreateQueueInput) (models.Queue, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO queues (
			name, description, average_service_time_minutes, max_wait_minutes, is_open, created_at, owner_id, location_id
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, location_id
		FROM service_locations
		WHERE location_id = ?
		RETURNING `+queueColumns,
		input.Name, nullIfEmpty(input.Description), input.AverageServiceTimeMinutes, input.MaxWaitMinutes,
		input.IsOpen, toMicros(createdAt), input.OwnerID, input.LocationID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Queue{}, store.ErrLocationNotFound
		}
		return models.Queue{}, classify(err)
	}
	return queue, nil
}

func (s *Store) UpdateQueue(ctx context.Context, input store.UpdateQueueInput) (models.Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE queues
		SET name = ?,
			description = ?,
			average_service_time_minutes = ?,
			max_wait_minutes = ?,
			is_open = ?
		WHERE queue_id = ? AND owner_id = ?
		RETURNING `+queueColumns,
		input.Name, nullIfEmpty(input.Description), input.AverageServiceTimeMinutes, input.MaxWaitMinutes,
		input.IsOpen, input.QueueID, input.OwnerID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, classify(err)
	}
	return queue, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID int64, ownerID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var found int64
	if err = tx.QueryRowContext(ctx, `
		SELECT queue_id FROM queues WHERE queue_id = ? AND owner_id = ?
	`, queueID, ownerID).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrQueueNotFound
		}
		return classify(err)
	}

	var hasEntries bool
	if err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_entries WHERE queue_id = ?)
	`, queueID).Scan(&hasEntries); err != nil {
		return classify(err)
	}
	if hasEntries {
		return store.ErrQueueHasEntries
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM queues WHERE queue_id = ?`, queueID); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) GetQueue(ctx context.Context, queueID int64) (models.Queue, error) {
	queue, err := scanQueue(s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = ?`, queueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, classify(err)
	}
	return queue, nil
}

func (s *Store) ListQueuesByOwner(ctx context.Context, ownerID string) ([]models.Queue, error) {
	return s.listQueues(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE owner_id = ?
		ORDER BY created_at DESC, queue_id DESC
	`, ownerID)
}

func (s *Store) ListOpenQueues(ctx context.Context) ([]models.Queue, error) {
	return s.listQueues(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE is_open = 1
		ORDER BY created_at ASC, queue_id ASC
	`)
}

func (s *Store) listQueues(ctx context.Context, query string, args ...any) ([]models.Queue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	return queues, classify(rows.Err())
}

func (s *Store) GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = ?`, entryID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (s *Store) Snapshot(ctx context.Context, queueID int64, statuses []models.Status) (models.Queue, []models.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Queue{}, nil, classify(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	queue, err := scanQueue(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = ?`, queueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Queue{}, nil, store.ErrQueueNotFound
		}
		return models.Queue{}, nil, classify(err)
	}

	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE queue_id = ?`
	args := []any{queueID}
	if len(statuses) > 0 {
		placeholders, statusArgs := statusList(statuses)
		query += " AND status IN (" + placeholders + ")"
		args = append(args, statusArgs...)
	}
	query += " ORDER BY joined_at ASC, entry_id ASC"

	entries, err := queryEntries(ctx, tx, query, args...)
	if err != nil {
		return models.Queue{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return models.Queue{}, nil, classify(err)
	}
	return queue, entries, nil
}

func (s *Store) InQueueTx(ctx context.Context, queueID int64, fn func(tx store.QueueTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The immediate transaction already holds the database write lock.
	queue, err := scanQueue(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = ?`, queueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrQueueNotFound
		}
		return classify(err)
	}

	if err = fn(&queueTx{tx: tx, queue: queue}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	return queryEntries(ctx, s.db, `
		UPDATE queue_entries
		SET status = 'expired'
		WHERE status IN ('waiting', 'serving')
			AND entry_id IN (
				SELECT e.entry_id
				FROM queue_entries AS e
				JOIN queues AS q ON q.queue_id = e.queue_id
				WHERE q.max_wait_minutes > 0
					AND e.joined_at + q.max_wait_minutes * ? < ?
			)
		RETURNING `+entryColumns,
		microsPerMinute, toMicros(now))
}

func (s *Store) DeleteHistory(ctx context.Context, queueID int64, before time.Time) (int64, error) {
	query := `
		DELETE FROM queue_entries
		WHERE queue_id = ? AND status IN ('served', 'skipped', 'expired')
	`
	args := []any{queueID}
	if !before.IsZero() {
		query += " AND joined_at < ?"
		args = append(args, toMicros(before))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteHistoryEntry(ctx context.Context, entryID int64) (queueID int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	if err = tx.QueryRowContext(ctx, `
		SELECT queue_id, status FROM queue_entries WHERE entry_id = ?
	`, entryID).Scan(&queueID, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrEntryNotFound
		}
		return 0, classify(err)
	}
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return 0, err
	}
	if parsed.IsActive() {
		return queueID, store.ErrEntryActive
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE entry_id = ?`, entryID); err != nil {
		return 0, classify(err)
	}
	if err = tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return queueID, nil
}

func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('served', 'skipped', 'expired') AND joined_at < ?
	`, toMicros(before))
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

type queueTx struct {
	tx    *sql.Tx
	queue models.Queue
}

func (q *queueTx) Queue() models.Queue {
	return q.queue
}

func (q *queueTx) InsertEntry(ctx context.Context, clientName string, joinedAt time.Time) (models.QueueEntry, error) {
	entry, err := scanEntry(q.tx.QueryRowContext(ctx, `
		INSERT INTO queue_entries (queue_id, client_name, joined_at, status)
		VALUES (?, ?, ?, ?)
		RETURNING `+entryColumns,
		q.queue.QueueID, clientName, toMicros(joinedAt), models.StatusWaiting.String()))
	if err != nil {
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (q *queueTx) GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	entry, err := scanEntry(q.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = ? AND queue_id = ?
	`, entryID, q.queue.QueueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (q *queueTx) UpdateStatus(ctx context.Context, entryID int64, from []models.Status, to models.Status) (models.QueueEntry, bool, error) {
	placeholders, statusArgs := statusList(from)
	args := append([]any{to.String(), entryID, q.queue.QueueID}, statusArgs...)
	entry, err := scanEntry(q.tx.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET status = ?
		WHERE entry_id = ? AND queue_id = ? AND status IN (`+placeholders+`)
		RETURNING `+entryColumns, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func (q *queueTx) CurrentServing(ctx context.Context) (models.QueueEntry, bool, error) {
	entry, err := scanEntry(q.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE queue_id = ? AND status = 'serving'
		ORDER BY joined_at ASC, entry_id ASC
		LIMIT 1
	`, q.queue.QueueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func (q *queueTx) PromoteNext(ctx context.Context) (models.QueueEntry, bool, error) {
	entry, err := scanEntry(q.tx.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET status = 'serving'
		WHERE entry_id = (
				SELECT entry_id
				FROM queue_entries
				WHERE queue_id = ?1 AND status = 'waiting'
				ORDER BY joined_at ASC, entry_id ASC
				LIMIT 1
			)
			AND status = 'waiting'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries WHERE queue_id = ?1 AND status = 'serving'
			)
		RETURNING `+entryColumns,
		q.queue.QueueID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]models.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, classify(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (models.Queue, error) {
	var queue models.Queue
	var description sql.NullString
	var createdAt int64
	if err := row.Scan(&queue.QueueID, &queue.Name, &description, &queue.AverageServiceTimeMinutes,
		&queue.MaxWaitMinutes, &queue.IsOpen, &createdAt, &queue.OwnerID, &queue.LocationID); err != nil {
		return models.Queue{}, err
	}
	queue.Description = description.String
	queue.CreatedAt = fromMicros(createdAt)
	return queue, nil
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var joinedAt int64
	var status string
	if err := row.Scan(&entry.EntryID, &entry.QueueID, &entry.ClientName, &joinedAt, &status); err != nil {
		return models.QueueEntry{}, err
	}
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = parsed
	entry.JoinedAt = fromMicros(joinedAt)
	return entry, nil
}

func scanLocation(row rowScanner) (models.ServiceLocation, error) {
	var location models.ServiceLocation
	var address sql.NullString
	var phone sql.NullString
	var createdAt int64
	if err := row.Scan(&location.LocationID, &location.Name, &address, &phone, &createdAt); err != nil {
		return models.ServiceLocation{}, err
	}
	location.Address = address.String
	location.PhoneNumber = phone.String
	location.CreatedAt = fromMicros(createdAt)
	return location, nil
}

func statusList(statuses []models.Status) (string, []any) {
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, status.String())
	}
	return strings.Join(placeholders, ", "), args
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		code := coder.Code()
		switch {
		case code&0xff == sqliteBusy, code&0xff == sqliteLocked:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case code == sqliteConstraintUnique,
			code&0xff == sqliteConstraint && strings.Contains(err.Error(), "queue_entries.queue_id"):
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
