package ginserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"dealroom/internal/app/dto"
	"dealroom/internal/app/handlers/negotiation"
	"dealroom/internal/app/queries"
	"dealroom/internal/domain/messages"
	"dealroom/internal/domain/shared/daterange"
)

type SearchHandler struct {
	Queries queries.Bus
	Logger  *slog.Logger
}

// Search reads q, type, from, to (RFC 3339) and limit.
func (h SearchHandler) Search(c *gin.Context) {
	user, ok := requireRole(c, "")
	if !ok {
		return
	}
	var window daterange.Window
	for _, b := range []struct {
		param string
		dst   *time.Time
	}{{"from", &window.From}, {"to", &window.To}} {
		raw := strings.TrimSpace(c.Query(b.param))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, h.Logger, fmt.Errorf("%w: %s must be RFC 3339", messages.ErrValidation, b.param), "search")
			return
		}
		*b.dst = t.UTC()
	}
	q := negotiation.SearchQuery{
		ViewerID: user.ID,
		Text:     c.Query("q"),
		Type:     c.Query("type"),
		Window:   window,
		Limit:    parsePositiveInt(c.Query("limit"), 0),
	}
	result, err := queries.Ask[negotiation.SearchQuery, dto.SearchResults](c.Request.Context(), h.Queries, q)
	if err != nil {
		respondError(c, h.Logger, err, "search")
		return
	}
	c.JSON(http.StatusOK, result)
}

var _ SearchHTTP = SearchHandler{}
