package consultation

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/events"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
	"github.com/globalqueiros/stixconnect-sub000/pkg/pagination"
)

const publishTimeout = 2 * time.Second

// Handler is a thin HTTP caller of the engine. It resolves the acting
// identity and publishes committed changes; the engine itself does neither.
type Handler struct {
	svc    *Service
	pub    events.Publisher
	logger zerolog.Logger
}

func NewHandler(svc *Service, pub events.Publisher, logger zerolog.Logger) *Handler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Handler{svc: svc, pub: pub, logger: logger.With().Str("component", "consultation.handler").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/consultations", auth.RequireRole(auth.RoleNurse, auth.RolePhysician))
	g.POST("/urgent", h.CreateUrgent)
	g.POST("/scheduled", h.CreateScheduled)
	g.GET("/queue", h.Queue)
	g.GET("/:id", h.Get)
	g.GET("/:id/history", h.History)
	g.POST("/:id/transitions", h.Transition)
	g.POST("/:id/assignments", h.Assign)
	g.PUT("/:id/triage", h.RecordTriage)
}

// actorFrom maps the authenticated identity onto an engine actor.
func actorFrom(ctx context.Context) (Actor, error) {
	role := Role(auth.ActingRole(ctx))
	if role == "" {
		return Actor{}, echo.NewHTTPError(http.StatusForbidden, "no clinical role")
	}
	actor := Actor{Role: role}
	if v := auth.ProfessionalIDFromContext(ctx); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Actor{}, echo.NewHTTPError(http.StatusForbidden, "invalid professional id in identity")
		}
		actor.ProfessionalID = &id
	}
	return actor, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// publish is best effort: the change is already committed.
func (h *Handler) publish(ctx context.Context, typ string, c *Consultation, previous Status) {
	data, err := json.Marshal(c)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal consultation event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event := events.Event{
		Type:           typ,
		Topics:         events.Topics(c.ID.String(), string(c.Status), string(previous)),
		ConsultationID: c.ID.String(),
		Status:         string(c.Status),
		Timestamp:      c.UpdatedAt,
		Data:           data,
	}
	if err := h.pub.Publish(ctx, event); err != nil {
		h.logger.Warn().Err(err).Str("consultation_id", event.ConsultationID).Str("event", typ).Msg("publish failed")
	}
}

type urgentRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
	Intake
}

func (h *Handler) CreateUrgent(c echo.Context) error {
	var req urgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.CreateUrgentConsultation(ctx, req.PatientID, req.Intake)
	if err != nil {
		return apperr.HTTPError(err)
	}
	h.publish(ctx, events.TypeCreated, res.Consultation, "")
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CreateScheduled(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.CreateScheduledConsultation(ctx, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	h.publish(ctx, events.TypeCreated, res.Consultation, "")
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	out, err := h.svc.GetConsultation(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.GetHistory(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if entries == nil {
		entries = []*HistoryEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

type transitionRequest struct {
	Event       Event      `json:"event"`
	Note        *string    `json:"note,omitempty"`
	PhysicianID *uuid.UUID `json:"physician_id,omitempty"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor, err := actorFrom(ctx)
	if err != nil {
		return err
	}

	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	res, err := h.svc.Transition(ctx, TransitionRequest{
		ConsultationID: id,
		Actor:          actor,
		Event:          req.Event,
		Note:           req.Note,
		PhysicianID:    req.PhysicianID,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	h.publish(ctx, events.TypeTransitioned, res.Consultation, *res.Entry.PreviousStatus)
	return c.JSON(http.StatusOK, res)
}

type assignRequest struct {
	Role      string  `json:"role"`
	Specialty *string `json:"specialty,omitempty"`
	Force     bool    `json:"force"`
}

// Assign runs the assignment engine. Overriding availability is reserved
// for admins.
func (h *Handler) Assign(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Force && auth.ActingRole(ctx) != auth.RoleAdmin {
		return echo.NewHTTPError(http.StatusForbidden, "only admins may override availability")
	}

	res, err := h.svc.AssignProfessional(ctx, AssignRequest{
		ConsultationID: id,
		Role:           professional.Type(req.Role),
		Specialty:      req.Specialty,
		Force:          req.Force,
	})
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !res.NoneAvailable() {
		h.publish(ctx, events.TypeAssigned, res.Consultation, *res.Entry.PreviousStatus)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RecordTriage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var in Intake
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	out, err := h.svc.RecordTriage(ctx, id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	h.publish(ctx, events.TypeTriaged, out, "")
	return c.JSON(http.StatusOK, out)
}

// Queue lists waiting consultations, most urgent first. status may be
// repeated or comma separated.
func (h *Handler) Queue(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f QueueFilter
	for _, v := range c.QueryParams()["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, Status(s))
			}
		}
	}
	if v := c.QueryParam("kind"); v != "" {
		k := Kind(v)
		if k != KindUrgent && k != KindScheduled {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
		}
		f.Kind = &k
	}
	for name, dst := range map[string]**uuid.UUID{
		"nurse_id": &f.NurseID, "physician_id": &f.PhysicianID, "patient_id": &f.PatientID,
	} {
		if v := c.QueryParam(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
			}
			*dst = &id
		}
	}

	items, total, err := h.svc.ListQueue(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if items == nil {
		items = []*Consultation{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams()))
}
