package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"

	"dealroom/internal/app/policies"
	"dealroom/internal/domain/conversations"
	"dealroom/internal/domain/messages"
)

// ErrAttachmentNotFound is returned when a blob key is unknown.
var ErrAttachmentNotFound = errors.New("memory: attachment not found")

// ConversationRepository keeps conversation records in process. Messages
// keep their first-save order so a reload replays them as appended.
type ConversationRepository struct {
	mu       sync.RWMutex
	convs    map[string]conversations.Record
	messages map[string][]messages.Message
	position map[messageKey]int
}

// Message ids are unique within a conversation only.
type messageKey struct {
	conversationID string
	id             string
}

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		convs:    make(map[string]conversations.Record),
		messages: make(map[string][]messages.Message),
		position: make(map[messageKey]int),
	}
}

func (r *ConversationRepository) SaveConversation(ctx context.Context, rec conversations.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: conversation id is required", messages.ErrValidation)
	}
	rec.Unread = maps.Clone(rec.Unread)
	rec.Messages = nil
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[rec.ID] = rec
	return nil
}

func (r *ConversationRepository) SaveMessage(ctx context.Context, msg messages.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: message and conversation ids are required", messages.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := messageKey{conversationID: msg.ConversationID, id: msg.ID}
	if i, ok := r.position[key]; ok {
		r.messages[msg.ConversationID][i] = msg
		return nil
	}
	r.position[key] = len(r.messages[msg.ConversationID])
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return nil
}

// LoadAll returns records ordered by creation time, then id.
func (r *ConversationRepository) LoadAll(ctx context.Context) ([]conversations.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]conversations.Record, 0, len(r.convs))
	for id, rec := range r.convs {
		rec.Unread = maps.Clone(rec.Unread)
		rec.Messages = append([]messages.Message(nil), r.messages[id]...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ conversations.Repository = (*ConversationRepository)(nil)

// AttachmentStore holds uploaded blobs in memory and hands back mem:// refs.
type AttachmentStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

type blob struct {
	data        []byte
	contentType string
}

func NewAttachmentStore() *AttachmentStore {
	return &AttachmentStore{blobs: make(map[string]blob)}
}

func (s *AttachmentStore) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, reader)
	if err != nil {
		return "", fmt.Errorf("memory: read attachment: %w", err)
	}
	if size >= 0 && n != size {
		return "", fmt.Errorf("%w: attachment size %d does not match declared %d", messages.ErrValidation, n, size)
	}
	s.mu.Lock()
	s.blobs[key] = blob{data: buf.Bytes(), contentType: contentType}
	s.mu.Unlock()
	return "mem://" + key, nil
}

// Open returns the stored bytes and content type.
func (s *AttachmentStore) Open(key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, "", ErrAttachmentNotFound
	}
	return bytes.Clone(b.data), b.contentType, nil
}

func (s *AttachmentStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ policies.AttachmentStore = (*AttachmentStore)(nil)
