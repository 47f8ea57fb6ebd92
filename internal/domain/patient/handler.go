package patient

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

// Handler registers patients so consultations can reference them. Identity
// data beyond a display name is owned elsewhere.
type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
}

func (h *Handler) Create(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return apperr.HTTPError(apperr.Validation("name is required"))
	}
	p.Active = true
	if err := h.repo.Create(c.Request().Context(), &p); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.repo.GetByID(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}
