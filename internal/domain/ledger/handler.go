package ledger

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medibook/medibook/internal/platform/apierr"
	"github.com/medibook/medibook/internal/platform/auth"
)

type Handler struct {
	ledger *Ledger
	repo   Repository
	logger zerolog.Logger
}

// NewHandler serves availability. repo may be nil when running without a store.
func NewHandler(l *Ledger, repo Repository, logger zerolog.Logger) *Handler {
	return &Handler{ledger: l, repo: repo, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/providers/:id/slots", h.GetDay)

	open := api.Group("", auth.RequireRole(auth.RoleDoctor), auth.RequireSelfOrAdmin("id"))
	open.PUT("/providers/:id/days/:date", h.OpenDay)
}

func (h *Handler) GetDay(c echo.Context) error {
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return apierr.Validation(c, err.Error())
	}
	day, err := h.ledger.Day(c.Param("id"), date)
	if err != nil {
		return apierr.Write(c, apierr.Match(err, ErrorRules), err)
	}
	return c.JSON(http.StatusOK, day)
}

type openDayRequest struct {
	Windows []Window `json:"windows"`
}

func (h *Handler) OpenDay(c echo.Context) error {
	providerID := c.Param("id")
	date, err := ParseDate(c.Param("date"))
	if err != nil {
		return apierr.Validation(c, err.Error())
	}
	var req openDayRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	if len(req.Windows) == 0 {
		return apierr.Validation(c, "at least one window is required")
	}

	if err := h.ledger.OpenDay(providerID, date, req.Windows); err != nil {
		return apierr.Write(c, apierr.Match(err, ErrorRules), err)
	}
	if h.repo != nil {
		if err := h.repo.SaveWindows(c.Request().Context(), providerID, date, req.Windows); err != nil {
			// The next refresh drops windows the store never saw.
			h.logger.Error().Err(err).Str("provider_id", providerID).Str("date", date).Msg("failed to persist opened windows")
			return apierr.Write(c, apierr.Internal, err)
		}
	}

	day, err := h.ledger.Day(providerID, date)
	if err != nil {
		return apierr.Write(c, apierr.Match(err, ErrorRules), err)
	}
	return c.JSON(http.StatusOK, day)
}
