// Package queue is the durable work queue of order actions.
//
// Items survive restarts in SQLite (default) or PostgreSQL. At most one
// pending item exists per (order, action). Claiming an item counts an attempt
// and takes a lease on it. Until the item is marked completed or failed, or
// the lease expires after a crash, no other processor can claim it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"lexsync/internal/logger"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour and placeholder format.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	// DefaultTable is the queue table name.
	DefaultTable = "lexsync_queue"
	// DefaultMaxAttempts is the attempt limit after which a failing item becomes terminal.
	DefaultMaxAttempts = 3
	// DefaultLease is how long a claimed item stays reserved for its processor.
	DefaultLease = 15 * time.Minute

	// fixed width keeps lexical order equal to time order
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	maxErrorLength = 1000
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var itemColumns = []string{
	"id", "order_id", "action", "status", "attempts",
	"created_at", "updated_at", "error_message", "result_reference",
}

// Options configures a Store.
type Options struct {
	Table       string
	MaxAttempts int
	// Lease must outlast the slowest action, including rate limiter waits and retries.
	Lease       time.Duration
	Now         func() time.Time
}

// Store persists queue items.
type Store struct {
	db          *sql.DB
	dialect     Dialect
	table       string
	maxAttempts int
	lease       time.Duration
	sb          sq.StatementBuilderType
	now         func() time.Time
	log         zerolog.Logger
}

// Open connects to the queue database and applies the schema.
// For SQLite the DSN may be a plain file path.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch dialect {
	case DialectSQLite:
		if !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dsn)
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("queue: open sqlite: %w", err)
		}
		// single writer connection
		db.SetMaxOpenConns(1)
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("queue: open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("queue: unsupported dialect %q", dialect)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: ping %s: %w", dialect, err)
	}

	store, err := NewStore(db, dialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an open database. The schema is not touched; call Migrate.
func NewStore(db *sql.DB, dialect Dialect, opts Options) (*Store, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !tableNamePattern.MatchString(opts.Table) {
		return nil, fmt.Errorf("queue: invalid table name %q", opts.Table)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == DialectPostgres {
		placeholder = sq.Dollar
	}

	return &Store{
		db:          db,
		dialect:     dialect,
		table:       opts.Table,
		maxAttempts: opts.MaxAttempts,
		lease:       opts.Lease,
		sb:          sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:         opts.Now,
		log:         logger.WithComponent("queue"),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxAttempts returns the configured attempt limit.
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

// Migrate creates the table and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s,
	order_id         TEXT    NOT NULL,
	action           TEXT    NOT NULL,
	status           TEXT    NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT    NOT NULL,
	updated_at       TEXT    NOT NULL,
	error_message    TEXT    NOT NULL DEFAULT '',
	result_reference TEXT    NOT NULL DEFAULT '',
	claimed_until    TEXT    NOT NULL DEFAULT ''
)`, s.table, idColumn),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_created ON %[1]s (status, created_at)`, s.table),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_pending_pair ON %[1]s (order_id, action) WHERE status = 'pending'`, s.table),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("queue: migrate: %w", err)
		}
	}
	return nil
}

// Enqueue inserts a pending item unless one already exists for the pair.
// It reports whether an item was inserted.
func (s *Store) Enqueue(ctx context.Context, orderID string, action Action) (bool, error) {
	const op = "queue.Enqueue"

	if !action.Valid() {
		return false, fmt.Errorf("%s: %q: %w", op, action, ErrInvalidAction)
	}

	exists, err := s.hasPending(ctx, orderID, action)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		s.log.Debug().Str("order_id", orderID).Str("action", string(action)).Msg("Pending item already queued")
		return false, nil
	}

	now := s.stamp()
	query, args, err := s.sb.
		Insert(s.table).
		Columns("order_id", "action", "status", "attempts", "created_at", "updated_at").
		Values(orderID, string(action), string(StatusPending), 0, now, now).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("%s: build insert: %w", op, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		// lost a race against a concurrent enqueue of the same pair
		if again, checkErr := s.hasPending(ctx, orderID, action); checkErr == nil && again {
			return false, nil
		}
		return false, fmt.Errorf("%s: insert: %w", op, err)
	}

	s.log.Info().
		Int64("item_id", id).
		Str("order_id", orderID).
		Str("action", string(action)).
		Msg("Queued order action")
	return true, nil
}

// DequeueNext returns the oldest unclaimed pending item with fewer than
// maxAttempts attempts. It does not claim the item; see Claim.
func (s *Store) DequeueNext(ctx context.Context, maxAttempts int) (*Item, error) {
	const op = "queue.DequeueNext"

	query, args, err := s.sb.
		Select(itemColumns...).
		From(s.table).
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.Lt{"attempts": maxAttempts}).
		Where(sq.Lt{"claimed_until": s.stamp()}).
		OrderBy("created_at ASC", "id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build select: %w", op, err)
	}

	item, err := s.scanOne(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoItem
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

// MarkAttempted increments the attempt counter if the item is still pending
// with expectedAttempts attempts. Otherwise ErrClaimLost is returned.
func (s *Store) MarkAttempted(ctx context.Context, id int64, expectedAttempts int) error {
	const op = "queue.MarkAttempted"

	query, args, err := s.sb.
		Update(s.table).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("updated_at", s.stamp()).
		Where(sq.Eq{"id": id}).
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.Eq{"attempts": expectedAttempts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build update: %w", op, err)
	}

	affected, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrClaimLost
	}
	return nil
}

// Claim counts an attempt and leases item to the caller. It returns
// ErrClaimLost when the item is no longer pending, another attempt was counted
// meanwhile, or another processor holds an unexpired lease.
func (s *Store) Claim(ctx context.Context, item *Item) error {
	const op = "queue.Claim"

	now := s.now().UTC()
	query, args, err := s.sb.
		Update(s.table).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("claimed_until", now.Add(s.lease).Format(timeLayout)).
		Set("updated_at", now.Format(timeLayout)).
		Where(sq.Eq{"id": item.ID}).
		Where(sq.Eq{"status": string(StatusPending)}).
		Where(sq.Eq{"attempts": item.Attempts}).
		Where(sq.Lt{"claimed_until": now.Format(timeLayout)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build update: %w", op, err)
	}

	affected, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrClaimLost
	}
	item.Attempts++
	return nil
}

// MarkCompleted stores the result reference, completes the item and releases its lease.
func (s *Store) MarkCompleted(ctx context.Context, id int64, resultRef string) error {
	const op = "queue.MarkCompleted"

	query, args, err := s.sb.
		Update(s.table).
		Set("status", string(StatusCompleted)).
		Set("result_reference", resultRef).
		Set("error_message", "").
		Set("claimed_until", "").
		Set("updated_at", s.stamp()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build update: %w", op, err)
	}

	affected, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failure and releases the lease. A retryable failure
// leaves the item pending until its attempts reach the limit; otherwise it
// fails immediately.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string, retryable bool) error {
	const op = "queue.MarkFailed"

	if message == "" {
		message = "unknown error"
	}

	var status any = string(StatusFailed)
	if retryable {
		status = sq.Expr("CASE WHEN attempts >= ? THEN ? ELSE ? END",
			s.maxAttempts, string(StatusFailed), string(StatusPending))
	}

	query, args, err := s.sb.
		Update(s.table).
		Set("status", status).
		Set("error_message", truncate(message, maxErrorLength)).
		Set("claimed_until", "").
		Set("updated_at", s.stamp()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build update: %w", op, err)
	}

	affected, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get loads one item.
func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	const op = "queue.Get"

	query, args, err := s.sb.Select(itemColumns...).From(s.table).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build select: %w", op, err)
	}

	item, err := s.scanOne(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

// FindPending returns the pending item for the pair, or ErrNoItem.
func (s *Store) FindPending(ctx context.Context, orderID string, action Action) (*Item, error) {
	const op = "queue.FindPending"

	query, args, err := s.sb.
		Select(itemColumns...).
		From(s.table).
		Where(sq.Eq{"order_id": orderID}).
		Where(sq.Eq{"action": string(action)}).
		Where(sq.Eq{"status": string(StatusPending)}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build select: %w", op, err)
	}

	item, err := s.scanOne(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoItem
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

// ListRecent returns the newest pending and failed items.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	const op = "queue.ListRecent"

	if limit <= 0 {
		limit = 50
	}

	query, args, err := s.sb.
		Select(itemColumns...).
		From(s.table).
		Where(sq.Eq{"status": []string{string(StatusPending), string(StatusFailed)}}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: build select: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: query: %w", op, err)
	}
	defer rows.Close()

	items := make([]Item, 0, limit)
	for rows.Next() {
		item, err := s.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return items, nil
}

// PendingCount returns the number of pending items.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	const op = "queue.PendingCount"

	query, args, err := s.sb.
		Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build select: %w", op, err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

func (s *Store) hasPending(ctx context.Context, orderID string, action Action) (bool, error) {
	query, args, err := s.sb.
		Select("COUNT(*)").
		From(s.table).
		Where(sq.Eq{"order_id": orderID}).
		Where(sq.Eq{"action": string(action)}).
		Where(sq.Eq{"status": string(StatusPending)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build existence check: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("existence check: %w", err)
	}
	return n > 0, nil
}

func (s *Store) exec(ctx context.Context, query string, args []any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row scanner) (*Item, error) {
	var (
		item               Item
		action, status     string
		createdAt, updated string
	)
	if err := row.Scan(
		&item.ID,
		&item.OrderID,
		&action,
		&status,
		&item.Attempts,
		&createdAt,
		&updated,
		&item.ErrorMessage,
		&item.ResultReference,
	); err != nil {
		return nil, err
	}

	item.Action = Action(action)
	item.Status = Status(status)
	item.CreatedAt = parseStamp(createdAt)
	item.UpdatedAt = parseStamp(updated)
	return &item, nil
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

func parseStamp(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
