package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"queueless/internal/models"
	"queueless/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	queueColumns = `queue_id, name, description, average_service_time_minutes, max_wait_minutes, is_open, created_at, owner_id, location_id`
	entryColumns = `entry_id, queue_id, client_name, joined_at, status`

	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CreateLocation(ctx context.Context, input store.CreateLocationInput) (models.ServiceLocation, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	location := models.ServiceLocation{
		Name:        input.Name,
		Address:     input.Address,
		PhoneNumber: input.PhoneNumber,
		CreatedAt:   createdAt,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO service_locations (name, address, phone_number, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING location_id
	`, input.Name, nullIfEmpty(input.Address), nullIfEmpty(input.PhoneNumber), createdAt)
	if err := row.Scan(&location.LocationID); err != nil {
		return models.ServiceLocation{}, classify(err)
	}
	return location, nil
}

func (s *Store) ListLocations(ctx context.Context) ([]models.ServiceLocation, error) {
	rows, err := s.pool.Query(ctx, `
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
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return locations, nil
}

func (s *Store) GetLocation(ctx context.Context, locationID int64) (models.ServiceLocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT location_id, name, address, phone_number, created_at
		FROM service_locations
		WHERE location_id = $1
	`, locationID)
	location, err := scanLocation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	row := s.pool.QueryRow(ctx, `
		INSERT INTO queues (
			name, description, average_service_time_minutes, max_wait_minutes, is_open, created_at, owner_id, location_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING `+queueColumns,
		input.Name, nullIfEmpty(input.Description), input.AverageServiceTimeMinutes, input.MaxWaitMinutes,
		input.IsOpen, createdAt, input.OwnerID, input.LocationID)
	queue, err := scanQueue(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Queue{}, store.ErrLocationNotFound
		}
		return models.Queue{}, classify(err)
	}
	return queue, nil
}

func (s *Store) UpdateQueue(ctx context.Context, input store.UpdateQueueInput) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE queues
		SET name = $3,
			description = $4,
			average_service_time_minutes = $5,
			max_wait_minutes = $6,
			is_open = $7
		WHERE queue_id = $1 AND owner_id = $2
		RETURNING `+queueColumns,
		input.QueueID, input.OwnerID, input.Name, nullIfEmpty(input.Description),
		input.AverageServiceTimeMinutes, input.MaxWaitMinutes, input.IsOpen)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, classify(err)
	}
	return queue, nil
}

func (s *Store) DeleteQueue(ctx context.Context, queueID int64, ownerID string) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var found int64
	if err = tx.QueryRow(ctx, `
		SELECT queue_id FROM queues WHERE queue_id = $1 AND owner_id = $2 FOR UPDATE
	`, queueID, ownerID).Scan(&found); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
			return err
		}
		return classify(err)
	}

	var hasEntries bool
	if err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_entries WHERE queue_id = $1)
	`, queueID).Scan(&hasEntries); err != nil {
		return classify(err)
	}
	if hasEntries {
		err = store.ErrQueueHasEntries
		return err
	}

	if _, err = tx.Exec(ctx, `DELETE FROM queues WHERE queue_id = $1`, queueID); err != nil {
		return classify(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) GetQueue(ctx context.Context, queueID int64) (models.Queue, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1`, queueID)
	queue, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
		WHERE owner_id = $1
		ORDER BY created_at DESC, queue_id DESC
	`, ownerID)
}

func (s *Store) ListOpenQueues(ctx context.Context) ([]models.Queue, error) {
	return s.listQueues(ctx, `
		SELECT `+queueColumns+`
		FROM queues
		WHERE is_open
		ORDER BY created_at ASC, queue_id ASC
	`)
}

func (s *Store) listQueues(ctx context.Context, query string, args ...interface{}) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return queues, nil
}

func (s *Store) GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE entry_id = $1`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (s *Store) Snapshot(ctx context.Context, queueID int64, statuses []models.Status) (queue models.Queue, entries []models.QueueEntry, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.Queue{}, nil, classify(err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	queue, err = scanQueue(tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1`, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, nil, store.ErrQueueNotFound
		}
		return models.Queue{}, nil, classify(err)
	}

	entries, err = listEntries(ctx, tx, queueID, statuses)
	if err != nil {
		return models.Queue{}, nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Queue{}, nil, classify(err)
	}
	return queue, entries, nil
}

func (s *Store) InQueueTx(ctx context.Context, queueID int64, fn func(tx store.QueueTx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	queue, err := scanQueue(tx.QueryRow(ctx, `SELECT `+queueColumns+` FROM queues WHERE queue_id = $1 FOR UPDATE`, queueID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrQueueNotFound
			return err
		}
		err = classify(err)
		return err
	}

	if err = fn(&queueTx{tx: tx, queue: queue}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		err = classify(err)
		return err
	}
	return nil
}

func (s *Store) ExpireStale(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE queue_entries AS e
		SET status = 'expired'
		FROM queues AS q
		WHERE e.queue_id = q.queue_id
			AND e.status IN ('waiting', 'serving')
			AND q.max_wait_minutes > 0
			AND e.joined_at + make_interval(mins => q.max_wait_minutes) < $1
		RETURNING e.entry_id, e.queue_id, e.client_name, e.joined_at, e.status
	`, now.UTC())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var expired []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return expired, nil
}

func (s *Store) DeleteHistory(ctx context.Context, queueID int64, before time.Time) (int64, error) {
	query := `
		DELETE FROM queue_entries
		WHERE queue_id = $1 AND status IN ('served', 'skipped', 'expired')
	`
	args := []interface{}{queueID}
	if !before.IsZero() {
		query += " AND joined_at < $2"
		args = append(args, before.UTC())
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteHistoryEntry(ctx context.Context, entryID int64) (int64, error) {
	var queueID int64
	var status string
	err := s.pool.QueryRow(ctx, `
		WITH target AS (
			SELECT entry_id, queue_id, status FROM queue_entries WHERE entry_id = $1
		), removed AS (
			DELETE FROM queue_entries
			WHERE entry_id = $1 AND status IN ('served', 'skipped', 'expired')
			RETURNING entry_id
		)
		SELECT target.queue_id, target.status FROM target
	`, entryID).Scan(&queueID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	return queueID, nil
}

func (s *Store) PurgeHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('served', 'skipped', 'expired') AND joined_at < $1
	`, before.UTC())
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

type queueTx struct {
	tx    pgx.Tx
	queue models.Queue
}

func (q *queueTx) Queue() models.Queue {
	return q.queue
}

func (q *queueTx) InsertEntry(ctx context.Context, clientName string, joinedAt time.Time) (models.QueueEntry, error) {
	row := q.tx.QueryRow(ctx, `
		INSERT INTO queue_entries (queue_id, client_name, joined_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+entryColumns,
		q.queue.QueueID, clientName, joinedAt.UTC(), models.StatusWaiting.String())
	entry, err := scanEntry(row)
	if err != nil {
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (q *queueTx) GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	row := q.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND queue_id = $2
	`, entryID, q.queue.QueueID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, classify(err)
	}
	return entry, nil
}

func (q *queueTx) UpdateStatus(ctx context.Context, entryID int64, from []models.Status, to models.Status) (models.QueueEntry, bool, error) {
	row := q.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $3
		WHERE entry_id = $1 AND queue_id = $2 AND status = ANY($4)
		RETURNING `+entryColumns,
		entryID, q.queue.QueueID, to.String(), models.StatusNames(from))
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func (q *queueTx) CurrentServing(ctx context.Context) (models.QueueEntry, bool, error) {
	row := q.tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE queue_id = $1 AND status = 'serving'
		ORDER BY joined_at ASC, entry_id ASC
		LIMIT 1
	`, q.queue.QueueID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func (q *queueTx) PromoteNext(ctx context.Context) (models.QueueEntry, bool, error) {
	row := q.tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = 'serving'
		WHERE entry_id = (
				SELECT entry_id
				FROM queue_entries
				WHERE queue_id = $1 AND status = 'waiting'
				ORDER BY joined_at ASC, entry_id ASC
				LIMIT 1
			)
			AND status = 'waiting'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries WHERE queue_id = $1 AND status = 'serving'
			)
		RETURNING `+entryColumns,
		q.queue.QueueID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, classify(err)
	}
	return entry, true, nil
}

func listEntries(ctx context.Context, tx pgx.Tx, queueID int64, statuses []models.Status) ([]models.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE queue_id = $1`
	args := []interface{}{queueID}
	if len(statuses) > 0 {
		query += " AND status = ANY($2)"
		args = append(args, models.StatusNames(statuses))
	}
	query += " ORDER BY joined_at ASC, entry_id ASC"

	rows, err := tx.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	var description sql.NullString
	if err := row.Scan(&queue.QueueID, &queue.Name, &description, &queue.AverageServiceTimeMinutes,
		&queue.MaxWaitMinutes, &queue.IsOpen, &queue.CreatedAt, &queue.OwnerID, &queue.LocationID); err != nil {
		return models.Queue{}, err
	}
	queue.Description = description.String
	queue.CreatedAt = queue.CreatedAt.UTC()
	return queue, nil
}

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var status string
	if err := row.Scan(&entry.EntryID, &entry.QueueID, &entry.ClientName, &entry.JoinedAt, &status); err != nil {
		return models.QueueEntry{}, err
	}
	parsed, err := models.ParseStatus(status)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = parsed
	entry.JoinedAt = entry.JoinedAt.UTC()
	return entry, nil
}

func scanLocation(row pgx.Row) (models.ServiceLocation, error) {
	var location models.ServiceLocation
	var address sql.NullString
	var phone sql.NullString
	if err := row.Scan(&location.LocationID, &location.Name, &address, &phone, &location.CreatedAt); err != nil {
		return models.ServiceLocation{}, err
	}
	location.Address = address.String
	location.PhoneNumber = phone.String
	location.CreatedAt = location.CreatedAt.UTC()
	return location, nil
}

// classify wraps errors a retry could resolve with store.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case pgUniqueViolation:
			if pgErr.ConstraintName == "queue_entries_one_serving_idx" {
				return fmt.Errorf("%w: %v", store.ErrConflict, err)
			}
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
