package consultation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/globalqueiros/stixconnect-sub000/internal/domain/professional"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
	"github.com/globalqueiros/stixconnect-sub000/internal/platform/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type handlerFixture struct {
	store *memStore
	pub   *recordingPublisher
	h     *Handler
	e     *echo.Echo
}

func newHandlerFixture() *handlerFixture {
	store := newMemStore()
	pub := &recordingPublisher{}
	return &handlerFixture{
		store: store,
		pub:   pub,
		h:     NewHandler(newTestService(store), pub, zerolog.Nop()),
		e:     echo.New(),
	}
}

func (f *handlerFixture) ctx(method, target, body, role string, professionalID uuid.UUID) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	pid := ""
	if professionalID != uuid.Nil {
		pid = professionalID.String()
	}
	req = req.WithContext(auth.WithIdentity(req.Context(), "u-1", []string{role}, pid))
	rec := httptest.NewRecorder()
	return f.e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_CreateUrgent(t *testing.T) {
	f := newHandlerFixture()
	patient := f.store.addPatient()
	f.store.addProfessional(professional.TypeNurse, nil, true, baseTime)

	body := `{"patient_id":"` + patient.String() + `","symptoms":"febre","symptom_duration":"2 dias","urgency_tier":"yellow"}`
	c, rec := f.ctx(http.MethodPost, "/", body, auth.RoleNurse, uuid.Nil)

	if err := f.h.CreateUrgent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var res UrgentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Consultation.Status != StatusAguardandoEnfermeira || res.Classification.Tier != TierYellow {
		t.Errorf("unexpected result %+v", res)
	}

	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.TypeCreated {
		t.Fatalf("expected one created event, got %+v", f.pub.events)
	}
	topics := f.pub.events[0].Topics
	if topics[0] != events.ConsultationTopic(res.Consultation.ID.String()) {
		t.Errorf("unexpected topics %v", topics)
	}
}

func TestHandler_CreateUrgent_ValidationIs400(t *testing.T) {
	f := newHandlerFixture()
	c, _ := f.ctx(http.MethodPost, "/", `{"patient_id":"`+f.store.addPatient().String()+`","symptom_duration":"1 dia","urgency_tier":"red"}`, auth.RoleNurse, uuid.Nil)

	if code := httpCode(t, f.h.CreateUrgent(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	if len(f.pub.events) != 0 {
		t.Error("failed operations must not publish")
	}
}

func TestHandler_CreateScheduled_ConflictIs409(t *testing.T) {
	f := newHandlerFixture()
	patient := f.store.addPatient()
	physician := f.store.addProfessional(professional.TypePhysician, nil, true, baseTime)

	body := func(start string) string {
		return `{"patient_id":"` + patient.String() + `","physician_id":"` + physician.String() +
			`","start":"` + start + `","duration_minutes":30,"reason":"retorno"}`
	}

	c, rec := f.ctx(http.MethodPost, "/", body("2026-03-10T09:00:00Z"), auth.RoleAdmin, uuid.Nil)
	if err := f.h.CreateScheduled(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	c, _ = f.ctx(http.MethodPost, "/", body("2026-03-10T09:15:00Z"), auth.RoleAdmin, uuid.Nil)
	if code := httpCode(t, f.h.CreateScheduled(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_TransitionUsesActingIdentity(t *testing.T) {
	f := newHandlerFixture()
	nurse := f.store.addProfessional(professional.TypeNurse, nil, true, baseTime)
	res, err := f.h.svc.CreateUrgentConsultation(context.Background(), f.store.addPatient(), greenIntake())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	id := res.Consultation.ID.String()

	c, rec := f.ctx(http.MethodPost, "/", `{"event":"begin_attendance","note":"iniciando"}`, auth.RoleNurse, nurse)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := f.h.Transition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out TransitionResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Entry.ActingRole != RoleNurse || out.Entry.ActingProfessionalID == nil || *out.Entry.ActingProfessionalID != nurse {
		t.Errorf("expected the nurse recorded as actor, got %+v", out.Entry)
	}

	last := f.pub.events[len(f.pub.events)-1]
	if last.Type != events.TypeTransitioned {
		t.Errorf("expected a transitioned event, got %s", last.Type)
	}
	wantQueue := events.QueueTopic(string(StatusAguardandoEnfermeira))
	found := false
	for _, topic := range last.Topics {
		if topic == wantQueue {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the queue the consultation left (%s) in %v", wantQueue, last.Topics)
	}

	// a physician cannot finalize during nursing attendance
	c, _ = f.ctx(http.MethodPost, "/", `{"event":"finalize"}`, auth.RolePhysician, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if code := httpCode(t, f.h.Transition(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_AssignNoneAvailable(t *testing.T) {
	f := newHandlerFixture()
	res, err := f.h.svc.CreateUrgentConsultation(context.Background(), f.store.addPatient(), greenIntake())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	published := len(f.pub.events)

	c, rec := f.ctx(http.MethodPost, "/", `{"role":"nurse"}`, auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(res.Consultation.ID.String())
	if err := f.h.Assign(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out AssignResult
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Outcome != OutcomeNoneAvailable {
		t.Errorf("expected none_available, got %s", out.Outcome)
	}
	if len(f.pub.events) != published {
		t.Error("nothing changed, nothing should be published")
	}
}

func TestHandler_AssignForceRequiresAdmin(t *testing.T) {
	f := newHandlerFixture()
	c, _ := f.ctx(http.MethodPost, "/", `{"role":"nurse","force":true}`, auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if code := httpCode(t, f.h.Assign(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_GetAndHistory(t *testing.T) {
	f := newHandlerFixture()
	res, err := f.h.svc.CreateUrgentConsultation(context.Background(), f.store.addPatient(), greenIntake())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	c, rec := f.ctx(http.MethodGet, "/", "", auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(res.Consultation.ID.String())
	if err := f.h.History(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []HistoryEntry
	json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Event != EventCreate {
		t.Errorf("expected the creation entry, got %+v", entries)
	}

	c, _ = f.ctx(http.MethodGet, "/", "", auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpCode(t, f.h.Get(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, _ = f.ctx(http.MethodGet, "/", "", auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(t, f.h.Get(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Queue(t *testing.T) {
	f := newHandlerFixture()
	ctx := context.Background()
	patient := f.store.addPatient()
	f.h.svc.CreateUrgentConsultation(ctx, patient, greenIntake())
	red, _ := f.h.svc.CreateUrgentConsultation(ctx, patient, redIntake())

	c, rec := f.ctx(http.MethodGet, "/api/v1/consultations/queue?status=triagem,aguardando_enfermeira&limit=1", "", auth.RolePhysician, uuid.Nil)
	if err := f.h.Queue(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var page struct {
		Data    []Consultation `json:"data"`
		Total   int            `json:"total"`
		HasMore bool           `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Data[0].ID != red.Consultation.ID {
		t.Error("expected the red consultation first")
	}

	c, _ = f.ctx(http.MethodGet, "/api/v1/consultations/queue?kind=walk-in", "", auth.RolePhysician, uuid.Nil)
	if code := httpCode(t, f.h.Queue(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_RecordTriage(t *testing.T) {
	f := newHandlerFixture()
	res, err := f.h.svc.CreateUrgentConsultation(context.Background(), f.store.addPatient(), greenIntake())
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	c, rec := f.ctx(http.MethodPut, "/", `{"symptoms":"falta de ar severa","symptom_duration":"1h","urgency_tier":"orange"}`, auth.RoleNurse, uuid.Nil)
	c.SetParamNames("id")
	c.SetParamValues(res.Consultation.ID.String())
	if err := f.h.RecordTriage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out Consultation
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Triage == nil || out.Triage.Tier != TierOrange {
		t.Errorf("expected orange triage, got %+v", out.Triage)
	}
	if f.pub.events[len(f.pub.events)-1].Type != events.TypeTriaged {
		t.Error("expected a triaged event")
	}
}

func TestHandler_RoutesRequireClinicalRole(t *testing.T) {
	f := newHandlerFixture()
	f.h.RegisterRoutes(f.e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/consultations/queue", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "u", []string{"receptionist"}, ""))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}
