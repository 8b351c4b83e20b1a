package ginserver

import (
	"log/slog"
	"net/http"
	"time"

	gin "github.com/gin-gonic/gin"

	"dealroom/internal/app/commands"
	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/queries"
	"dealroom/internal/domain/shared/wallet"
)

type PresenceHandler struct {
	Commands commands.Bus
	Queries  queries.Bus
	Logger   *slog.Logger
}

type typingRequest struct {
	Typing bool `json:"typing"`
	TTLMS  int  `json:"ttl_ms"`
}

func (h PresenceHandler) Typing(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := negotiation.SetTypingCommand{
		ConversationID: c.Param("id"),
		ParticipantID:  user.ID,
		Typing:         req.Typing,
		TTL:            time.Duration(req.TTLMS) * time.Millisecond,
	}
	result, err := commands.Dispatch[negotiation.SetTypingCommand, dto.Ack](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "typing")
		return
	}
	c.JSON(http.StatusOK, result)
}

type heartbeatRequest struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
}

func (h PresenceHandler) Heartbeat(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req heartbeatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	cmd := negotiation.HeartbeatCommand{ParticipantID: user.ID, DisplayName: req.DisplayName, AvatarRef: req.AvatarRef}
	result, err := commands.Dispatch[negotiation.HeartbeatCommand, dto.Presence](c.Request.Context(), h.Commands, cmd)
	if err != nil {
		respondError(c, h.Logger, err, "heartbeat")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h PresenceHandler) Get(c *gin.Context) {
	if _, ok := requireRole(c, ""); !ok {
		return
	}
	q := negotiation.GetPresenceQuery{ParticipantID: wallet.Canonical(c.Param("id")), ConversationID: c.Query("conversation_id")}
	result, err := queries.Ask[negotiation.GetPresenceQuery, dto.Presence](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "get presence")
		return
	}
	c.JSON(http.StatusOK, result)
}

var _ PresenceHTTP = PresenceHandler{}
