package appointment

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medibook/medibook/internal/platform/apierr"
	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.POST("", h.Book)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/transitions", h.Transition)
	g.POST("/:id/reschedule", h.Reschedule)
	g.POST("/:id/escalate", h.Escalate)
}

func caller(c echo.Context) auth.Principal {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return p
}

func fail(c echo.Context, err error) error {
	return apierr.Write(c, Classify(err), err)
}

func (h *Handler) Book(c echo.Context) error {
	var req BookRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	a, err := h.svc.Book(c.Request().Context(), caller(c), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	a, err := h.svc.Get(c.Request().Context(), caller(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// List returns the caller's appointments. ?provider_id= lists a provider's
// calendar and ?requester_id= a patient's; without either, doctors get
// their calendar and everyone else their own bookings.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	p := caller(c)
	pg := pagination.FromContext(c)

	var (
		items []*Appointment
		total int
		err   error
	)
	switch providerID, requesterID := c.QueryParam("provider_id"), c.QueryParam("requester_id"); {
	case providerID != "":
		items, total, err = h.svc.ListByProvider(ctx, p, providerID, pg.Limit, pg.Offset)
	case requesterID != "":
		items, total, err = h.svc.ListByRequester(ctx, p, requesterID, pg.Limit, pg.Offset)
	case p.HasRole(auth.RoleDoctor) && !p.IsAdmin():
		items, total, err = h.svc.ListByProvider(ctx, p, p.UserID, pg.Limit, pg.Offset)
	default:
		items, total, err = h.svc.ListByRequester(ctx, p, p.UserID, pg.Limit, pg.Offset)
	}
	if err != nil {
		return fail(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	a, err := h.svc.Cancel(c.Request().Context(), caller(c), c.Param("id"), req.Reason)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Transition(c echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	a, err := h.svc.Transition(c.Request().Context(), caller(c), c.Param("id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Reschedule(c echo.Context) error {
	var req RescheduleRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	a, err := h.svc.Reschedule(c.Request().Context(), caller(c), c.Param("id"), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

type escalateRequest struct {
	RadiusKm float64 `json:"radius_km"`
}

func (h *Handler) Escalate(c echo.Context) error {
	var req escalateRequest
	if err := c.Bind(&req); err != nil {
		return apierr.Validation(c, "invalid request body")
	}
	res, err := h.svc.Reescalate(c.Request().Context(), caller(c), c.Param("id"), req.RadiusKm)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
