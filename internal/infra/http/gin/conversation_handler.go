package ginserver

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/queries"
	"dealroom/internal/domain/shared/wallet"
)

// MaxUploadBytes bounds a single attachment.
const MaxUploadBytes = 25 << 20

type ConversationHandler struct {
	Commands commands.Bus
	Queries  queries.Bus
	Logger   *slog.Logger
}

type createConversationRequest struct {
	SellerID string `json:"seller_id"`
}

func (h ConversationHandler) Create(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req createConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	cmd := negotiation.CreateConversationCommand{
		ListingRef: c.Param("ref"),
		BuyerID:    user.ID,
		SellerID:   wallet.Canonical(req.SellerID),
	}
	result, err := commands.Dispatch[negotiation.CreateConversationCommand, dto.Conversation](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "create conversation")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) List(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	q := negotiation.ListConversationsQuery{
		ViewerID:        user.ID,
		ListingRef:      c.Query("listing"),
		IncludeArchived: parseBool(c.Query("include_archived")),
		SortBy:          c.Query("sort"),
		Ascending:       strings.EqualFold(c.Query("order"), "asc"),
		Cursor:          c.Query("cursor"),
		Limit:           parsePositiveInt(c.Query("limit"), 0),
	}
	if raw := c.Query("status"); raw != "" {
		q.Statuses = strings.Split(raw, ",")
	}
	result, err := queries.Ask[negotiation.ListConversationsQuery, dto.ConversationList](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) Get(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	q := negotiation.GetConversationQuery{ConversationID: c.Param("id"), ViewerID: user.ID}
	result, err := queries.Ask[negotiation.GetConversationQuery, dto.Conversation](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "get conversation")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) Messages(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	q := negotiation.GetMessagesQuery{
		ConversationID: c.Param("id"),
		ViewerID:       user.ID,
		Cursor:         c.Query("cursor"),
		Limit:          parsePositiveInt(c.Query("limit"), 0),
	}
	result, err := queries.Ask[negotiation.GetMessagesQuery, dto.MessageList](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, result)
}

type sendTextRequest struct {
	Body string `json:"body"`
}

func (h ConversationHandler) SendText(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req sendTextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := negotiation.SendTextCommand{
		ConversationID:  c.Param("id"),
		SenderID:        user.ID,
		Body:            req.Body,
		IdempotencyKeyV: c.GetHeader("Idempotency-Key"),
	}
	result, err := commands.Dispatch[negotiation.SendTextCommand, dto.Message](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "send text")
		return
	}
	c.JSON(http.StatusCreated, result)
}

type sendOfferRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (h ConversationHandler) SendOffer(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req sendOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := negotiation.SendOfferCommand{
		ConversationID:  c.Param("id"),
		SenderID:        user.ID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		IdempotencyKeyV: c.GetHeader("Idempotency-Key"),
	}
	result, err := commands.Dispatch[negotiation.SendOfferCommand, dto.Message](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "send offer")
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h ConversationHandler) SendFile(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	f, err := header.Open()
	if err != nil {
		respondError(c, h.Logger, err, "open upload")
		return
	}
	defer f.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	cmd := negotiation.SendFileCommand{
		ConversationID:  c.Param("id"),
		SenderID:        user.ID,
		FileName:        header.Filename,
		ContentType:     contentType,
		Size:            header.Size,
		Content:         f,
		IdempotencyKeyV: c.GetHeader("Idempotency-Key"),
	}
	result, err := commands.Dispatch[negotiation.SendFileCommand, dto.Message](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "send file")
		return
	}
	c.JSON(http.StatusCreated, result)
}

type respondRequest struct {
	Action   string `json:"action"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

func (h ConversationHandler) Respond(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := negotiation.RespondToOfferCommand{
		ConversationID:  c.Param("id"),
		OfferID:         c.Param("offerId"),
		ActorID:         user.ID,
		Action:          req.Action,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Reason:          req.Reason,
		IdempotencyKeyV: c.GetHeader("Idempotency-Key"),
	}
	result, err := commands.Dispatch[negotiation.RespondToOfferCommand, dto.OfferResponse](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "respond to offer")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) Retry(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	cmd := negotiation.RetryMessageCommand{ConversationID: c.Param("id"), MessageID: c.Param("messageId"), ActorID: user.ID}
	result, err := commands.Dispatch[negotiation.RetryMessageCommand, dto.Ack](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "retry message")
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (h ConversationHandler) MarkRead(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	cmd := negotiation.MarkReadCommand{ConversationID: c.Param("id"), ParticipantID: user.ID}
	result, err := commands.Dispatch[negotiation.MarkReadCommand, dto.Ack](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, result)
}

type focusRequest struct {
	Focused *bool `json:"focused"`
}

func (h ConversationHandler) Focus(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req focusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Focused == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "focused is required"})
		return
	}
	cmd := negotiation.FocusCommand{ConversationID: c.Param("id"), ParticipantID: user.ID, Focused: *req.Focused}
	result, err := commands.Dispatch[negotiation.FocusCommand, dto.Ack](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "focus")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) Archive(c *gin.Context) {
	h.setArchived(c, true)
}

func (h ConversationHandler) Unarchive(c *gin.Context) {
	h.setArchived(c, false)
}

func (h ConversationHandler) setArchived(c *gin.Context, archived bool) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	cmd := negotiation.ArchiveCommand{ConversationID: c.Param("id"), ActorID: user.ID, Archived: archived}
	result, err := commands.Dispatch[negotiation.ArchiveCommand, dto.Conversation](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "archive")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h ConversationHandler) OfferContext(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	q := negotiation.OfferContextQuery{ConversationID: c.Param("id"), ViewerID: user.ID}
	result, err := queries.Ask[negotiation.OfferContextQuery, dto.OfferContext](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "offer context")
		return
	}
	c.JSON(http.StatusOK, result)
}

func parsePositiveInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseBool(raw string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(raw))
	return b
}

var _ ConversationHTTP = ConversationHandler{}
