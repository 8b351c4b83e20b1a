package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gocql/gocql"

	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
	"dealroom/internal/infra/storage"
)

var ErrNoSession = errors.New("scylla: session not initialized")

// Repository persists conversations with one partition per conversation for
// its messages.
type Repository struct {
	session *gocql.Session
	logger  *slog.Logger
}

func NewRepository(session *gocql.Session, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{session: session, logger: logger}
}

func (r *Repository) SaveConversation(ctx context.Context, rec conversations.Record) error {
	if r.session == nil {
		return ErrNoSession
	}
	row, err := storage.EncodeConversation(rec)
	if err != nil {
		return err
	}
	err = r.session.Query(
		`INSERT INTO conversations (id, listing_ref, buyer_id, seller_id, created_at, archived, settlement_offer_id, unread) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.ListingRef, row.BuyerID, row.SellerID, row.CreatedAt, row.Archived, row.SettlementOfferID, row.Unread,
	).WithContext(ctx).Consistency(gocql.Quorum).Exec()
	if err != nil {
		return fmt.Errorf("scylla: save conversation %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repository) SaveMessage(ctx context.Context, msg messages.Message) error {
	if r.session == nil {
		return ErrNoSession
	}
	row, err := storage.EncodeMessage(msg)
	if err != nil {
		return err
	}
	err = r.session.Query(
		`INSERT INTO messages (conversation_id, message_id, sender_id, created_at, kind, content, delivery, is_read) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ConversationID, row.ID, row.SenderID, row.CreatedAt, row.Kind, row.Content, row.Delivery, row.Read,
	).WithContext(ctx).Consistency(gocql.Quorum).Exec()
	if err != nil {
		return fmt.Errorf("scylla: save message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *Repository) LoadAll(ctx context.Context) ([]conversations.Record, error) {
	if r.session == nil {
		return nil, ErrNoSession
	}
	iter := r.session.Query(
		`SELECT id, listing_ref, buyer_id, seller_id, created_at, archived, settlement_offer_id, unread FROM conversations`,
	).WithContext(ctx).Consistency(gocql.One).Iter()

	var (
		out []conversations.Record
		row storage.ConversationRow
	)
	for iter.Scan(&row.ID, &row.ListingRef, &row.BuyerID, &row.SellerID, &row.CreatedAt, &row.Archived, &row.SettlementOfferID, &row.Unread) {
		rec, err := storage.DecodeConversation(row)
		if err != nil {
			r.logger.Warn("skipping unreadable conversation row", "conversation_id", row.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: load conversations: %w", err)
	}

	for i := range out {
		msgs, err := r.loadMessages(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Messages = msgs
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *Repository) loadMessages(ctx context.Context, conversationID string) ([]messages.Message, error) {
	iter := r.session.Query(
		`SELECT conversation_id, message_id, sender_id, created_at, kind, content, delivery, is_read FROM messages WHERE conversation_id = ?`,
		conversationID,
	).WithContext(ctx).Consistency(gocql.One).Iter()

	var (
		out []messages.Message
		row storage.MessageRow
	)
	for iter.Scan(&row.ConversationID, &row.ID, &row.SenderID, &row.CreatedAt, &row.Kind, &row.Content, &row.Delivery, &row.Read) {
		msg, err := storage.DecodeMessage(row)
		if err != nil {
			r.logger.Warn("skipping unreadable message row", "conversation_id", conversationID, "message_id", row.ID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("scylla: load messages for %s: %w", conversationID, err)
	}
	return out, nil
}

// Ping backs the readiness check.
func (r *Repository) Ping(ctx context.Context) error {
	if r.session == nil {
		return ErrNoSession
	}
	return r.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

var _ conversations.Repository = (*Repository)(nil)
