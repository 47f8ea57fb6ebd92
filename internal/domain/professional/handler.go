package professional

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
	"github.com/globalqueiros/stixconnect-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/professionals", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	read.GET("", h.List)
	read.GET("/available", h.ListAvailable)
	read.GET("/stats", h.Stats)
	read.GET("/:id", h.Get)
	read.PATCH("/:id/availability", h.SetAvailability)

	admin := api.Group("/professionals", auth.RequireRole(auth.RoleAdmin))
	admin.POST("", h.Create)
	admin.DELETE("/:id", h.Deactivate)
}

func (h *Handler) Create(c echo.Context) error {
	var p Professional
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = uuid.Nil
	if err := h.svc.Create(c.Request().Context(), &p); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f ListFilter
	if v := c.QueryParam("type"); v != "" {
		t := Type(v)
		f.Type = &t
	}
	if v := c.QueryParam("specialty"); v != "" {
		f.Specialty = &v
	}
	for name, dst := range map[string]**bool{"active": &f.Active, "available": &f.Available} {
		if v := c.QueryParam(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &b
		}
	}

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Professional{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams()))
}

func (h *Handler) ListAvailable(c echo.Context) error {
	var specialty *string
	if v := c.QueryParam("specialty"); v != "" {
		specialty = &v
	}
	items, err := h.svc.Available(c.Request().Context(), Type(c.QueryParam("type")), specialty)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []Candidate{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	if stats == nil {
		stats = []Stats{}
	}
	return c.JSON(http.StatusOK, stats)
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

// SetAvailability lets a professional toggle their own availability. Admins
// may toggle anyone's.
func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if auth.ActingRole(ctx) != auth.RoleAdmin && auth.ProfessionalIDFromContext(ctx) != id.String() {
		return echo.NewHTTPError(http.StatusForbidden, "can only change your own availability")
	}

	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Available == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available is required")
	}

	p, err := h.svc.SetAvailability(ctx, id, *req.Available)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
