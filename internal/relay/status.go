package relay

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"testgen/internal/cache"
	"testgen/internal/core"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Model          string    `json:"model"`
	ModelInstalled bool      `json:"model_installed"`
	Upstream       string    `json:"upstream"`
	CheckedAt      time.Time `json:"checked_at"`
	Error          string    `json:"error,omitempty"`
}

// Status handles GET /api/status. It reports whether the backend answers
// and whether the configured model is installed. Results are cached for
// the configured TTL; the endpoint always answers 200.
//
// @Summary      Backend status
// @Tags         generation
// @Produce      json
// @Success      200  {object}  relay.StatusResponse
// @Router       /api/status [get]
func (h *Handler) Status(c echo.Context) error {
	ctx := c.Request().Context()
	logger := core.Logger(ctx)
	key := cache.StatusKey(h.client.URL(), h.client.Model())

	if h.statusCache != nil {
		cached, err := h.statusCache.Get(ctx, key)
		if err != nil {
			logger.Warn("status cache read failed", "error", err)
		} else if cached != nil {
			return c.JSON(http.StatusOK, newStatusResponse(cached))
		}
	}

	status := &cache.Status{
		Model:     h.client.Model(),
		Upstream:  h.client.URL(),
		CheckedAt: h.now().UTC(),
	}
	names, err := h.client.Models(ctx)
	if err != nil {
		status.Error = toRelayError(err).Message
	} else {
		status.Online = true
		status.ModelInstalled = h.client.HasModel(names)
	}

	if h.statusCache != nil {
		if err := h.statusCache.Set(ctx, key, status); err != nil {
			logger.Warn("status cache write failed", "error", err)
		}
	}

	return c.JSON(http.StatusOK, newStatusResponse(status))
}

func newStatusResponse(s *cache.Status) StatusResponse {
	state := "offline"
	if s.Online {
		state = "online"
	}
	return StatusResponse{
		Status:         state,
		Model:          s.Model,
		ModelInstalled: s.ModelInstalled,
		Upstream:       s.Upstream,
		CheckedAt:      s.CheckedAt,
		Error:          s.Error,
	}
}
