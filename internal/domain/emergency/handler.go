package emergency

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medibook/medibook/internal/platform/apierr"
	"github.com/medibook/medibook/internal/platform/auth"
)

type Handler struct {
	index LocationIndex
}

func NewHandler(index LocationIndex) *Handler {
	return &Handler{index: index}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleDoctor), auth.RequireSelfOrAdmin("id"))
	g.PUT("/providers/:id/presence", h.SetPresence)
}

type presenceRequest struct {
	Location  Point `json:"location"`
	Available bool  `json:"available"`
}

func (h *Handler) SetPresence(c echo.Context) error {
	var req presenceRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	if req.Available {
		if err := req.Location.Validate(); err != nil {
			return apierr.Validation(c, err.Error())
		}
	}
	if err := h.index.SetPresence(c.Request().Context(), c.Param("id"), req.Location, req.Available); err != nil {
		if errors.Is(err, ErrInvalidLocation) {
			return apierr.Validation(c, err.Error())
		}
		return apierr.Write(c, apierr.Internal, err)
	}
	return c.NoContent(http.StatusNoContent)
}
