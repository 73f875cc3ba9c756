package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"activity-queue/internal/status"
	"activity-queue/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// OpenPostgres opens a pgx-backed pool and checks it answers.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(1 * time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetCategory(ctx context.Context, id string) (models.Category, error) {
	return getCategory(ctx, s.db, id)
}

func getCategory(ctx context.Context, q querier, id string) (models.Category, error) {
	var (
		c   models.Category
		typ int
	)
	err := q.QueryRowContext(ctx, `
SELECT id, name, description, enabled, type, tokens, occupancy, parent_id
  FROM categories
 WHERE id = $1
`, id).Scan(&c.ID, &c.Name, &c.Description, &c.Enabled, &typ, &c.Tokens, &c.Occupancy, &c.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Category{}, fmt.Errorf("category %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return models.Category{}, err
	}
	c.Type = models.CategoryType(typ)

	if c.Children, err = listIDs(ctx, q, `
SELECT child_id FROM category_children WHERE parent_id = $1 ORDER BY position
`, id); err != nil {
		return models.Category{}, err
	}
	if c.Events, err = listIDs(ctx, q, `
SELECT event_id FROM category_events WHERE category_id = $1 ORDER BY position
`, id); err != nil {
		return models.Category{}, err
	}
	return c, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (models.Event, error) {
	return getEvent(ctx, s.db, id)
}

func getEvent(ctx context.Context, q querier, id string) (models.Event, error) {
	var (
		e      models.Event
		owners string
	)
	err := q.QueryRowContext(ctx, `
SELECT id, name, location, enabled, owners, max_queue_count, queue_max_user_count, current_queue, occupancy
  FROM events
 WHERE id = $1
`, id).Scan(&e.ID, &e.Name, &e.Location, &e.Enabled, &owners, &e.MaxQueueCount, &e.QueueMaxUserCount, &e.CurrentQueue, &e.Occupancy)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Event{}, fmt.Errorf("event %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return models.Event{}, err
	}
	if err := json.Unmarshal([]byte(owners), &e.Owners); err != nil {
		return models.Event{}, fmt.Errorf("decode owners of %s: %w", id, err)
	}

	if e.Queues, err = listIDs(ctx, q, `
SELECT id FROM queues WHERE event_id = $1 ORDER BY seq
`, id); err != nil {
		return models.Event{}, err
	}
	return e, nil
}

func (s *PostgresStore) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	return getQueue(ctx, s.db, id)
}

func getQueue(ctx context.Context, q querier, id string) (models.Queue, error) {
	var out models.Queue
	err := q.QueryRowContext(ctx, `
SELECT id, event_id, max_user_count, fulfilled, created_at
  FROM queues
 WHERE id = $1
`, id).Scan(&out.ID, &out.EventID, &out.MaxUserCount, &out.Fulfilled, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Queue{}, fmt.Errorf("queue %s: %w", id, status.ErrNotFound)
	}
	if err != nil {
		return models.Queue{}, err
	}

	if out.QueuedUsers, err = listIDs(ctx, q, `
SELECT user_id FROM queue_users WHERE queue_id = $1 ORDER BY position
`, id); err != nil {
		return models.Queue{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (models.User, error) {
	joined, err := listIDs(ctx, s.db, `
SELECT category_id FROM user_categories WHERE user_id = $1 ORDER BY category_id
`, id)
	if err != nil {
		return models.User{}, err
	}
	if len(joined) == 0 {
		return models.User{}, fmt.Errorf("user %s: %w", id, status.ErrNotFound)
	}
	return models.User{ID: id, JoinedCategories: joined}, nil
}

func (s *PostgresStore) GetUserQueue(ctx context.Context, userID string) (string, error) {
	res, ok, err := heldSlot(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("queue of user %s: %w", userID, status.ErrNotFound)
	}
	return res.QueueID, nil
}

// heldSlot reports the queue the user already holds a slot in.
func heldSlot(ctx context.Context, q querier, userID string) (AppendResult, bool, error) {
	res := AppendResult{Outcome: AlreadyPresent}
	err := q.QueryRowContext(ctx, `
SELECT qu.queue_id, q.fulfilled,
       (SELECT count(*) FROM queue_users c WHERE c.queue_id = qu.queue_id)
  FROM queue_users qu
  JOIN queues q ON q.id = qu.queue_id
 WHERE qu.user_id = $1
`, userID).Scan(&res.QueueID, &res.Fulfilled, &res.Length)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, false, nil
	}
	if err != nil {
		return AppendResult{}, false, err
	}
	return res, true, nil
}

// ConditionalAppendToQueue locks the queue row so concurrent appends to the
// same queue serialise on it. The unique index on queue_users.user_id keeps a
// user to one slot across queues.
func (s *PostgresStore) ConditionalAppendToQueue(ctx context.Context, queueID, userID string, maxUserCount int) (AppendResult, error) {
	var res AppendResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var fulfilled bool
		err := tx.QueryRowContext(ctx, `
SELECT fulfilled FROM queues WHERE id = $1 FOR UPDATE
`, queueID).Scan(&fulfilled)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue %s: %w", queueID, status.ErrNotFound)
		}
		if err != nil {
			return err
		}

		held, ok, err := heldSlot(ctx, tx, userID)
		if err != nil {
			return err
		}
		if ok {
			res = held
			return nil
		}

		var n int
		if err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM queue_users WHERE queue_id = $1
`, queueID).Scan(&n); err != nil {
			return err
		}
		if fulfilled || n >= maxUserCount {
			res = AppendResult{Outcome: Full, QueueID: queueID, Length: n, Fulfilled: fulfilled}
			return nil
		}

		inserted, err := tx.ExecContext(ctx, `
INSERT INTO queue_users (queue_id, user_id, position) VALUES ($1, $2, $3)
ON CONFLICT (user_id) DO NOTHING
`, queueID, userID, n+1)
		if err != nil {
			return err
		}
		if rows, err := inserted.RowsAffected(); err != nil {
			return err
		} else if rows == 0 {
			// A concurrent append for the same user committed first.
			held, _, err := heldSlot(ctx, tx, userID)
			res = held
			return err
		}
		n++
		if n >= maxUserCount {
			fulfilled = true
			if _, err := tx.ExecContext(ctx, `
UPDATE queues SET fulfilled = true WHERE id = $1
`, queueID); err != nil {
				return err
			}
		}
		res = AppendResult{Outcome: Appended, QueueID: queueID, Length: n, Fulfilled: fulfilled}
		return nil
	})
	return res, err
}

// OpenQueue locks the event row; whoever holds it decides whether a new
// queue is created.
func (s *PostgresStore) OpenQueue(ctx context.Context, eventID, newQueueID string) (models.Queue, error) {
	var out models.Queue
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			current       string
			maxQueueCount int
			maxUserCount  int
		)
		err := tx.QueryRowContext(ctx, `
SELECT current_queue, max_queue_count, queue_max_user_count
  FROM events
 WHERE id = $1
   FOR UPDATE
`, eventID).Scan(&current, &maxQueueCount, &maxUserCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("event %s: %w", eventID, status.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if current != "" {
			q, err := getQueue(ctx, tx, current)
			if err != nil && !errors.Is(err, status.ErrNotFound) {
				return err
			}
			if err == nil && !q.Fulfilled {
				out = q
				return nil
			}
		}

		var count int
		if err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM queues WHERE event_id = $1
`, eventID).Scan(&count); err != nil {
			return err
		}
		if count >= maxQueueCount {
			return fmt.Errorf("event %s: %w", eventID, status.ErrNoCapacity)
		}

		out = models.Queue{ID: newQueueID, EventID: eventID, MaxUserCount: maxUserCount}
		if err := tx.QueryRowContext(ctx, `
INSERT INTO queues (id, event_id, max_user_count) VALUES ($1, $2, $3)
RETURNING created_at
`, newQueueID, eventID, maxUserCount).Scan(&out.CreatedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE events SET current_queue = $2 WHERE id = $1
`, eventID, newQueueID)
		return err
	})
	return out, err
}

func (s *PostgresStore) increment(ctx context.Context, query, kind, id string, delta int64) error {
	res, err := s.db.ExecContext(ctx, query, id, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, status.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) IncrementCategoryOccupancy(ctx context.Context, categoryID string, delta int64) error {
	return s.increment(ctx, `
UPDATE categories SET occupancy = GREATEST(occupancy + $2, 0) WHERE id = $1
`, "category", categoryID, delta)
}

func (s *PostgresStore) IncrementCategoryTokens(ctx context.Context, categoryID string, delta int64) error {
	return s.increment(ctx, `
UPDATE categories SET tokens = GREATEST(tokens + $2, 0) WHERE id = $1
`, "category", categoryID, delta)
}

func (s *PostgresStore) IncrementEventOccupancy(ctx context.Context, eventID string, delta int64) error {
	return s.increment(ctx, `
UPDATE events SET occupancy = GREATEST(occupancy + $2, 0) WHERE id = $1
`, "event", eventID, delta)
}

func (s *PostgresStore) LinkUserCategories(ctx context.Context, userID string, categoryIDs []string) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range categoryIDs {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO user_categories (user_id, category_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, userID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) AttachChild(ctx context.Context, parentID, childID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "categories", "category", parentID); err != nil {
			return err
		}
		if err := requireRow(ctx, tx, "categories", "category", childID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE categories SET type = $2 WHERE id = $1
`, parentID, int(models.CategoryTypeCategory)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO category_children (parent_id, child_id, position)
SELECT $1, $2, COALESCE(max(position), 0) + 1 FROM category_children WHERE parent_id = $1
ON CONFLICT DO NOTHING
`, parentID, childID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
UPDATE categories SET parent_id = $2 WHERE id = $1
`, childID, parentID)
		return err
	})
}

func (s *PostgresStore) AttachEvent(ctx context.Context, categoryID, eventID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "categories", "category", categoryID); err != nil {
			return err
		}
		if err := requireRow(ctx, tx, "events", "event", eventID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE categories SET type = $2 WHERE id = $1
`, categoryID, int(models.CategoryTypeEvent)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO category_events (category_id, event_id, position)
SELECT $1, $2, COALESCE(max(position), 0) + 1 FROM category_events WHERE category_id = $1
ON CONFLICT DO NOTHING
`, categoryID, eventID)
		return err
	})
}

func (s *PostgresStore) PutCategory(ctx context.Context, c models.Category) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO categories (id, name, description, enabled, type, tokens, occupancy, parent_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
  name        = EXCLUDED.name,
  description = EXCLUDED.description,
  enabled     = EXCLUDED.enabled,
  type        = EXCLUDED.type,
  tokens      = EXCLUDED.tokens,
  occupancy   = EXCLUDED.occupancy,
  parent_id   = EXCLUDED.parent_id
`, c.ID, c.Name, c.Description, c.Enabled, int(c.Type), max(c.Tokens, 0), max(c.Occupancy, 0), c.ParentID); err != nil {
			return err
		}

		if err := replaceIDs(ctx, tx, "category_children", "parent_id", "child_id", c.ID, c.Children); err != nil {
			return err
		}
		return replaceIDs(ctx, tx, "category_events", "category_id", "event_id", c.ID, c.Events)
	})
}

// PutEvent stores the event row. Queues are owned by the queues table and
// only come into existence through OpenQueue.
func (s *PostgresStore) PutEvent(ctx context.Context, e models.Event) error {
	owners, err := json.Marshal(e.Owners)
	if err != nil {
		return err
	}
	if e.Owners == nil {
		owners = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (id, name, location, enabled, owners, max_queue_count, queue_max_user_count, current_queue, occupancy)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
  name                 = EXCLUDED.name,
  location             = EXCLUDED.location,
  enabled              = EXCLUDED.enabled,
  owners               = EXCLUDED.owners,
  max_queue_count      = EXCLUDED.max_queue_count,
  queue_max_user_count = EXCLUDED.queue_max_user_count,
  current_queue        = EXCLUDED.current_queue,
  occupancy            = EXCLUDED.occupancy
`, e.ID, e.Name, e.Location, e.Enabled, string(owners), e.MaxQueueCount, e.QueueMaxUserCount, e.CurrentQueue, max(e.Occupancy, 0))
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func listIDs(ctx context.Context, q querier, query, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func requireRow(ctx context.Context, q querier, table, kind, id string) error {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, table), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, status.ErrNotFound)
	}
	return err
}

func replaceIDs(ctx context.Context, tx *sql.Tx, table, ownerCol, idCol, owner string, ids []string) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, ownerCol), owner); err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO %s (%s, %s, position) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, table, ownerCol, idCol)
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, insert, owner, id, i+1); err != nil {
			return err
		}
	}
	return nil
}
