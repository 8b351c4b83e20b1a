package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
	"dealroom/internal/infra/storage"
)

// Open opens a SQLite database and applies the schema. The pool is capped at
// one connection since SQLite serialises writers anyway.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, pragma := range []string{`PRAGMA journal_mode = WAL;`, `PRAGMA busy_timeout = 5000;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			listing_ref TEXT NOT NULL,
			buyer_id TEXT NOT NULL,
			seller_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			settlement_offer_id TEXT NOT NULL DEFAULT '',
			unread TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			kind TEXT NOT NULL,
			content BLOB NOT NULL,
			delivery TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (conversation_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_listing ON conversations(listing_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Repository stores conversations in SQLite. Messages are not tied to their
// conversation by a foreign key because a remote message may be saved before
// its conversation header.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveConversation(ctx context.Context, rec conversations.Record) error {
	row, err := storage.EncodeConversation(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO conversations (id, listing_ref, buyer_id, seller_id, created_at, archived, settlement_offer_id, unread)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	archived = excluded.archived,
	settlement_offer_id = excluded.settlement_offer_id,
	unread = excluded.unread`,
		row.ID, row.ListingRef, row.BuyerID, row.SellerID, formatTime(row.CreatedAt), row.Archived, row.SettlementOfferID, row.Unread)
	if err != nil {
		return fmt.Errorf("sqlite: save conversation %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repository) SaveMessage(ctx context.Context, msg messages.Message) error {
	row, err := storage.EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO messages (conversation_id, id, sender_id, created_at, kind, content, delivery, is_read)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conversation_id, id) DO UPDATE SET
	content = excluded.content,
	delivery = excluded.delivery,
	is_read = excluded.is_read`,
		row.ConversationID, row.ID, row.SenderID, formatTime(row.CreatedAt), row.Kind, row.Content, row.Delivery, row.Read)
	if err != nil {
		return fmt.Errorf("sqlite: save message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *Repository) LoadAll(ctx context.Context) ([]conversations.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, listing_ref, buyer_id, seller_id, created_at, archived, settlement_offer_id, unread
FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load conversations: %w", err)
	}
	defer rows.Close()

	var (
		out   []conversations.Record
		index = map[string]int{}
	)
	for rows.Next() {
		var (
			row     storage.ConversationRow
			created string
		)
		if err := rows.Scan(&row.ID, &row.ListingRef, &row.BuyerID, &row.SellerID, &created, &row.Archived, &row.SettlementOfferID, &row.Unread); err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		if row.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		rec, err := storage.DecodeConversation(row)
		if err != nil {
			return nil, err
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	msgRows, err := r.db.QueryContext(ctx, `
SELECT conversation_id, id, sender_id, created_at, kind, content, delivery, is_read
FROM messages ORDER BY conversation_id, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			row     storage.MessageRow
			created string
		)
		if err := msgRows.Scan(&row.ConversationID, &row.ID, &row.SenderID, &created, &row.Kind, &row.Content, &row.Delivery, &row.Read); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		if row.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		i, ok := index[row.ConversationID]
		if !ok {
			continue
		}
		msg, err := storage.DecodeMessage(row)
		if err != nil {
			return nil, err
		}
		out[i].Messages = append(out[i].Messages, msg)
	}
	return out, msgRows.Err()
}

// Ping backs the readiness check.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Timestamps are stored as fixed-width RFC 3339 text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

var _ conversations.Repository = (*Repository)(nil)
