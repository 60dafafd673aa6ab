package venue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRequestNotFound is returned by SetState for an unknown request id.
var ErrRequestNotFound = errors.New("venue: chat request not found")

// Migrate applies the chat-request log schema to the database at databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("venue: migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("venue: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("venue: migrate up: %w", err)
	}
	return nil
}

// OpenDB opens and pings a PostgreSQL connection pool.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("venue: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("venue: ping database: %w", err)
	}
	return db, nil
}

// RequestLog is the append-only chat-request log of one venue. Rows are
// never deleted; superseded requests stay in their terminal state.
type RequestLog struct {
	db      *sql.DB
	venueID string
	pub     Publisher
}

// NewRequestLog creates a request log backed by db. pub may be nil.
func NewRequestLog(db *sql.DB, venueID string, pub Publisher) *RequestLog {
	return &RequestLog{db: db, venueID: venueID, pub: pub}
}

// Add appends a request. Missing id, state and creation time are filled in
// (new uuid, Asked, now). The stored request is returned.
func (l *RequestLog) Add(ctx context.Context, r ChatRequest) (ChatRequest, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.State == "" {
		r.State = Asked
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}

	const query = `
		INSERT INTO chat_requests (id, venue_id, from_uid, to_uid, to_join_room_owned_by_uid, type, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := l.db.ExecContext(ctx, query,
		r.ID,
		l.venueID,
		r.FromUID,
		r.ToUID,
		r.ToJoinRoomOwnedByUID,
		string(r.Type),
		string(r.State),
		r.CreatedAt,
	)
	if err != nil {
		return ChatRequest{}, fmt.Errorf("venue: insert chat request: %w", err)
	}

	l.notify(r.ID)
	return r, nil
}

// SetState moves a request to a new state.
func (l *RequestLog) SetState(ctx context.Context, id string, state ChatRequestState) error {
	const query = `
		UPDATE chat_requests
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND venue_id = $2`

	res, err := l.db.ExecContext(ctx, query, id, l.venueID, string(state))
	if err != nil {
		return fmt.Errorf("venue: update chat request %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRequestNotFound
	}

	l.notify(id)
	return nil
}

// List returns the venue's requests in ascending creation order.
func (l *RequestLog) List(ctx context.Context) ([]ChatRequest, error) {
	return l.query(ctx, `
		SELECT id, from_uid, to_uid, to_join_room_owned_by_uid, type, state, created_at
		FROM chat_requests
		WHERE venue_id = $1
		ORDER BY created_at ASC, id ASC`)
}

// ListOpen is List without Completed requests, which nothing acts on again.
func (l *RequestLog) ListOpen(ctx context.Context) ([]ChatRequest, error) {
	return l.query(ctx, `
		SELECT id, from_uid, to_uid, to_join_room_owned_by_uid, type, state, created_at
		FROM chat_requests
		WHERE venue_id = $1 AND state <> 'Completed'
		ORDER BY created_at ASC, id ASC`)
}

func (l *RequestLog) query(ctx context.Context, query string) ([]ChatRequest, error) {
	rows, err := l.db.QueryContext(ctx, query, l.venueID)
	if err != nil {
		return nil, fmt.Errorf("venue: list chat requests: %w", err)
	}
	defer rows.Close()

	var out []ChatRequest
	for rows.Next() {
		var (
			r          ChatRequest
			typ, state string
		)
		if err := rows.Scan(&r.ID, &r.FromUID, &r.ToUID, &r.ToJoinRoomOwnedByUID, &typ, &state, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("venue: scan chat request: %w", err)
		}
		r.Type = ChatRequestType(typ)
		r.State = ChatRequestState(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("venue: list chat requests: %w", err)
	}
	return out, nil
}

func (l *RequestLog) notify(id string) {
	publishChange(l.pub, l.venueID, Change{Kind: KindChatRequests, ID: id, Ts: time.Now().UnixMilli()})
}
