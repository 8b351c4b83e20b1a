package negotiation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/policies"
	"dealroom/internal/app/store"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/money"
)

const (
	createConversationKey = "negotiation.conversation.create"
	sendTextKey           = "negotiation.message.text"
	sendOfferKey          = "negotiation.message.offer"
	sendFileKey           = "negotiation.message.file"
	respondOfferKey       = "negotiation.offer.respond"
	retryMessageKey       = "negotiation.message.retry"
	markReadKey           = "negotiation.conversation.read"
	focusKey              = "negotiation.conversation.focus"
	archiveKey            = "negotiation.conversation.archive"
)

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", messages.ErrValidation, field)
	}
	return nil
}

// CreateConversationCommand opens (or returns) the buyer's conversation about
// a listing. SellerID may be empty; it is then taken from the listing.
type CreateConversationCommand struct {
	ListingRef string
	BuyerID    string
	SellerID   string
}

func (CreateConversationCommand) Key() string { return createConversationKey }

func (c CreateConversationCommand) Validate() error {
	if err := required("listing_ref", c.ListingRef); err != nil {
		return err
	}
	return required("buyer_id", c.BuyerID)
}

type CreateConversationHandler struct {
	Store *store.Store
}

func (h *CreateConversationHandler) Handle(ctx context.Context, cmd CreateConversationCommand) (dto.Conversation, error) {
	view, err := h.Store.GetOrCreate(ctx, cmd.ListingRef, cmd.BuyerID, cmd.SellerID)
	if err != nil {
		return dto.Conversation{}, err
	}
	return dto.MapConversation(view, cmd.BuyerID), nil
}

type SendTextCommand struct {
	ConversationID  string
	SenderID        string
	Body            string
	IdempotencyKeyV string
}

func (SendTextCommand) Key() string                           { return sendTextKey }
func (c SendTextCommand) IdempotencyKey() string              { return c.IdempotencyKeyV }
func (SendTextCommand) ResultPrototype() any                  { return &dto.Message{} }
func (c SendTextCommand) ConversationScope() (string, string) { return c.ConversationID, c.SenderID }

func (c SendTextCommand) Validate() error {
	return required("conversation_id", c.ConversationID)
}

type SendTextHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h *SendTextHandler) Handle(ctx context.Context, cmd SendTextCommand) (dto.Message, error) {
	msg, _, err := h.Store.SendText(ctx, cmd.ConversationID, cmd.SenderID, cmd.Body)
	if err != nil {
		return dto.Message{}, err
	}
	if h.Logger != nil {
		h.Logger.Debug("text sent", "conversation_id", cmd.ConversationID, "message_id", msg.ID)
	}
	return dto.MapMessage(msg), nil
}

type SendOfferCommand struct {
	ConversationID  string
	SenderID        string
	Amount          int64
	Currency        string
	IdempotencyKeyV string
}

func (SendOfferCommand) Key() string                           { return sendOfferKey }
func (c SendOfferCommand) IdempotencyKey() string              { return c.IdempotencyKeyV }
func (SendOfferCommand) ResultPrototype() any                  { return &dto.Message{} }
func (c SendOfferCommand) ConversationScope() (string, string) { return c.ConversationID, c.SenderID }

func (c SendOfferCommand) Validate() error {
	if err := required("conversation_id", c.ConversationID); err != nil {
		return err
	}
	if _, err := money.Positive(c.Amount, c.Currency); err != nil {
		return fmt.Errorf("%w: %v", messages.ErrValidation, err)
	}
	return nil
}

type SendOfferHandler struct {
	Store  *store.Store
	Logger *slog.Logger
}

func (h *SendOfferHandler) Handle(ctx context.Context, cmd SendOfferCommand) (dto.Message, error) {
	amount, err := money.Positive(cmd.Amount, cmd.Currency)
	if err != nil {
		return dto.Message{}, fmt.Errorf("%w: %v", messages.ErrValidation, err)
	}
	msg, _, err := h.Store.SendOffer(ctx, cmd.ConversationID, cmd.SenderID, amount)
	if err != nil {
		return dto.Message{}, err
	}
	if h.Logger != nil {
		h.Logger.Info("offer sent", "conversation_id", cmd.ConversationID, "offer_id", msg.ID, "amount", amount.String())
	}
	return dto.MapMessage(msg), nil
}

// SendFileCommand uploads Content and appends a file message referencing it.
type SendFileCommand struct {
	ConversationID  string
	SenderID        string
	FileName        string
	ContentType     string
	Size            int64
	Content         io.Reader
	IdempotencyKeyV string
}

func (SendFileCommand) Key() string                           { return sendFileKey }
func (c SendFileCommand) IdempotencyKey() string              { return c.IdempotencyKeyV }
func (SendFileCommand) ResultPrototype() any                  { return &dto.Message{} }
func (c SendFileCommand) ConversationScope() (string, string) { return c.ConversationID, c.SenderID }

func (c SendFileCommand) Validate() error {
	if err := required("conversation_id", c.ConversationID); err != nil {
		return err
	}
	if err := required("file_name", c.FileName); err != nil {
		return err
	}
	if c.Size < 0 {
		return fmt.Errorf("%w: file size must not be negative", messages.ErrValidation)
	}
	return nil
}

type SendFileHandler struct {
	Store       *store.Store
	Attachments policies.AttachmentStore
	Logger      *slog.Logger
}

func (h *SendFileHandler) Handle(ctx context.Context, cmd SendFileCommand) (dto.Message, error) {
	file := messages.File{FileName: path.Base(cmd.FileName), ByteSize: cmd.Size, ContentType: cmd.ContentType}
	if cmd.Content != nil && h.Attachments != nil {
		key := fmt.Sprintf("conversations/%s/%s/%s", cmd.ConversationID, uuid.NewString(), file.FileName)
		ref, err := h.Attachments.Upload(ctx, key, cmd.Content, cmd.Size, cmd.ContentType)
		if err != nil {
			return dto.Message{}, fmt.Errorf("upload attachment: %w", err)
		}
		file.ContentRef = ref
	}
	msg, _, err := h.Store.SendFile(ctx, cmd.ConversationID, cmd.SenderID, file)
	if err != nil {
		return dto.Message{}, err
	}
	if h.Logger != nil {
		h.Logger.Info("file sent", "conversation_id", cmd.ConversationID, "message_id", msg.ID, "file_name", file.FileName, "bytes", file.ByteSize)
	}
	return dto.MapMessage(msg), nil
}

// RespondToOfferCommand accepts, declines, counters or cancels an offer.
// Amount and Currency are read for counter; Reason for decline.
type RespondToOfferCommand struct {
	ConversationID  string
	OfferID         string
	ActorID         string
	Action          string
	Amount          int64
	Currency        string
	Reason          string
	IdempotencyKeyV string
}

func (RespondToOfferCommand) Key() string                           { return respondOfferKey }
func (c RespondToOfferCommand) IdempotencyKey() string              { return c.IdempotencyKeyV }
func (RespondToOfferCommand) ResultPrototype() any                  { return &dto.OfferResponse{} }
func (c RespondToOfferCommand) ConversationScope() (string, string) { return c.ConversationID, c.ActorID }

func (c RespondToOfferCommand) Validate() error {
	if err := required("conversation_id", c.ConversationID); err != nil {
		return err
	}
	if err := required("offer_id", c.OfferID); err != nil {
		return err
	}
	action, err := messages.ParseAction(c.Action)
	if err != nil {
		return err
	}
	if action == messages.ActionCounter && c.Amount <= 0 {
		return fmt.Errorf("%w: counter amount must be positive", messages.ErrValidation)
	}
	return nil
}

type RespondToOfferHandler struct {
	Store *store.Store
}

func (h *RespondToOfferHandler) Handle(ctx context.Context, cmd RespondToOfferCommand) (dto.OfferResponse, error) {
	action, err := messages.ParseAction(cmd.Action)
	if err != nil {
		return dto.OfferResponse{}, err
	}
	res, err := h.Store.RespondToOffer(ctx, cmd.ConversationID, cmd.OfferID, store.Response{
		ActorID: cmd.ActorID,
		Action:  action,
		Amount:  money.Money{Amount: cmd.Amount, Currency: cmd.Currency},
		Reason:  cmd.Reason,
	})
	if err != nil {
		return dto.OfferResponse{}, err
	}
	return dto.MapOfferResponse(res), nil
}

type RetryMessageCommand struct {
	ConversationID string
	MessageID      string
	ActorID        string
}

func (RetryMessageCommand) Key() string                           { return retryMessageKey }
func (c RetryMessageCommand) ConversationScope() (string, string) { return c.ConversationID, c.ActorID }

type RetryMessageHandler struct {
	Store *store.Store
}

func (h *RetryMessageHandler) Handle(ctx context.Context, cmd RetryMessageCommand) (dto.Ack, error) {
	if _, err := h.Store.Retry(ctx, cmd.ConversationID, cmd.MessageID); err != nil {
		return dto.Ack{}, err
	}
	return dto.Ack{ID: cmd.MessageID, Status: string(messages.DeliverySending)}, nil
}

type MarkReadCommand struct {
	ConversationID string
	ParticipantID  string
}

func (MarkReadCommand) Key() string                           { return markReadKey }
func (c MarkReadCommand) ConversationScope() (string, string) { return c.ConversationID, c.ParticipantID }

type MarkReadHandler struct {
	Store *store.Store
}

func (h *MarkReadHandler) Handle(ctx context.Context, cmd MarkReadCommand) (dto.Ack, error) {
	if err := h.Store.MarkRead(ctx, cmd.ConversationID, cmd.ParticipantID); err != nil {
		return dto.Ack{}, err
	}
	return dto.Ack{ID: cmd.ConversationID, Status: "read"}, nil
}

type FocusCommand struct {
	ConversationID string
	ParticipantID  string
	Focused        bool
}

func (FocusCommand) Key() string                           { return focusKey }
func (c FocusCommand) ConversationScope() (string, string) { return c.ConversationID, c.ParticipantID }

type FocusHandler struct {
	Store *store.Store
}

func (h *FocusHandler) Handle(ctx context.Context, cmd FocusCommand) (dto.Ack, error) {
	if err := h.Store.Focus(ctx, cmd.ConversationID, cmd.ParticipantID, cmd.Focused); err != nil {
		return dto.Ack{}, err
	}
	status := "unfocused"
	if cmd.Focused {
		status = "focused"
	}
	return dto.Ack{ID: cmd.ConversationID, Status: status}, nil
}

// ArchiveCommand pins (Archived=true) or unpins a conversation.
type ArchiveCommand struct {
	ConversationID string
	ActorID        string
	Archived       bool
}

func (ArchiveCommand) Key() string                           { return archiveKey }
func (c ArchiveCommand) ConversationScope() (string, string) { return c.ConversationID, c.ActorID }

type ArchiveHandler struct {
	Store *store.Store
}

func (h *ArchiveHandler) Handle(ctx context.Context, cmd ArchiveCommand) (dto.Conversation, error) {
	var err error
	if cmd.Archived {
		err = h.Store.Archive(ctx, cmd.ConversationID)
	} else {
		err = h.Store.Unarchive(ctx, cmd.ConversationID)
	}
	if err != nil {
		return dto.Conversation{}, err
	}
	view, err := h.Store.GetConversation(ctx, cmd.ConversationID)
	if err != nil {
		return dto.Conversation{}, err
	}
	return dto.MapConversation(view, cmd.ActorID), nil
}

var (
	_ commands.Handler[CreateConversationCommand, dto.Conversation] = (*CreateConversationHandler)(nil)
	_ commands.Handler[SendTextCommand, dto.Message]                = (*SendTextHandler)(nil)
	_ commands.Handler[SendOfferCommand, dto.Message]               = (*SendOfferHandler)(nil)
	_ commands.Handler[SendFileCommand, dto.Message]                = (*SendFileHandler)(nil)
	_ commands.Handler[RespondToOfferCommand, dto.OfferResponse]    = (*RespondToOfferHandler)(nil)
	_ commands.Handler[RetryMessageCommand, dto.Ack]                = (*RetryMessageHandler)(nil)
	_ commands.Handler[MarkReadCommand, dto.Ack]                    = (*MarkReadHandler)(nil)
	_ commands.Handler[FocusCommand, dto.Ack]                       = (*FocusHandler)(nil)
	_ commands.Handler[ArchiveCommand, dto.Conversation]            = (*ArchiveHandler)(nil)
)
