package consultation

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/globalqueiros/stixconnect-sub000/internal/platform/db"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

var dialect = goqu.Dialect("postgres")

const noOverlapConstraint = "consultation_no_overlap"

var terminalStatuses = []interface{}{string(StatusFinalizada), string(StatusCancelada)}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cols = `id, kind, status, patient_id, assigned_nurse_id, assigned_physician_id, triage,
	scheduled_start, scheduled_end, duration_minutes, reason, specialty, created_at, updated_at`

var colList = []interface{}{
	"id", "kind", "status", "patient_id", "assigned_nurse_id", "assigned_physician_id", "triage",
	"scheduled_start", "scheduled_end", "duration_minutes", "reason", "specialty", "created_at", "updated_at",
}

func scan(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.Kind, &c.Status, &c.PatientID, &c.AssignedNurseID, &c.AssignedPhysicianID, &c.Triage,
		&c.ScheduledStart, &c.ScheduledEnd, &c.DurationMinutes, &c.Reason, &c.Specialty, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// tierColumns denormalizes the triage classification for the queue index.
func tierColumns(t *TriageData) (*string, *int) {
	if t == nil {
		return nil, nil
	}
	tier, rank := string(t.Tier), t.PriorityRank
	return &tier, &rank
}

func (r *repoPG) Create(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	tier, rank := tierColumns(c.Triage)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultation (id, kind, status, patient_id, assigned_nurse_id, assigned_physician_id,
			triage, urgency_tier, priority_rank, scheduled_start, scheduled_end, duration_minutes, reason, specialty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		c.ID, c.Kind, c.Status, c.PatientID, c.AssignedNurseID, c.AssignedPhysicianID,
		c.Triage, tier, rank, c.ScheduledStart, c.ScheduledEnd, c.DurationMinutes, c.Reason, c.Specialty,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsConstraintViolation(err, db.CodeExclusionViolation, noOverlapConstraint) {
			return apperr.Conflict("physician already has a consultation overlapping %s", c.ScheduledStart.Format("2006-01-02T15:04Z07:00"))
		}
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM consultation WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("consultation %s not found", id)
		}
		return nil, fmt.Errorf("get consultation %s: %w", id, err)
	}
	return c, nil
}

// staleOrMissing explains a compare-and-swap that touched no row.
func (r *repoPG) staleOrMissing(ctx context.Context, id uuid.UUID, from Status) error {
	var current Status
	err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM consultation WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("consultation %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("read consultation %s status: %w", id, err)
	}
	return apperr.InvalidTransition("consultation %s is %s, expected %s", id, current, from)
}

func (r *repoPG) CompareAndSetStatus(ctx context.Context, u StatusUpdate) (*Consultation, error) {
	c, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation SET
			status = $3,
			assigned_nurse_id = COALESCE($4, assigned_nurse_id),
			assigned_physician_id = COALESCE($5, assigned_physician_id),
			updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+cols,
		u.ID, u.From, u.To, u.NurseID, u.PhysicianID, u.At))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, u.ID, u.From)
		}
		return nil, fmt.Errorf("update consultation %s status: %w", u.ID, err)
	}
	return c, nil
}

func (r *repoPG) UpdateTriage(ctx context.Context, id uuid.UUID, from Status, triage *TriageData) (*Consultation, error) {
	tier, rank := tierColumns(triage)
	c, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE consultation SET triage = $3, urgency_tier = $4, priority_rank = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+cols,
		id, from, triage, tier, rank))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.staleOrMissing(ctx, id, from)
		}
		return nil, fmt.Errorf("update consultation %s triage: %w", id, err)
	}
	return c, nil
}

// OverlapSQL builds the half-open overlap check for one physician.
func OverlapSQL(physicianID uuid.UUID, slot Interval) (string, []interface{}, error) {
	inner := dialect.From("consultation").Prepared(true).
		Select(goqu.L("1")).
		Where(
			goqu.Ex{"assigned_physician_id": physicianID.String(), "kind": string(KindScheduled)},
			goqu.C("status").NotIn(terminalStatuses...),
			goqu.C("scheduled_start").Lt(slot.End),
			goqu.C("scheduled_end").Gt(slot.Start),
		)
	return dialect.Select(goqu.L("EXISTS ?", inner)).Prepared(true).ToSQL()
}

func (r *repoPG) HasOverlap(ctx context.Context, physicianID uuid.UUID, slot Interval) (bool, error) {
	query, args, err := OverlapSQL(physicianID, slot)
	if err != nil {
		return false, fmt.Errorf("build overlap query: %w", err)
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check physician %s schedule: %w", physicianID, err)
	}
	return exists, nil
}

func queueDataset(f QueueFilter) *goqu.SelectDataset {
	ds := dialect.From("consultation").Prepared(true)
	if len(f.Statuses) > 0 {
		in := make([]interface{}, len(f.Statuses))
		for i, s := range f.Statuses {
			in[i] = string(s)
		}
		ds = ds.Where(goqu.C("status").In(in...))
	}
	if f.Kind != nil {
		ds = ds.Where(goqu.Ex{"kind": string(*f.Kind)})
	}
	if f.NurseID != nil {
		ds = ds.Where(goqu.Ex{"assigned_nurse_id": f.NurseID.String()})
	}
	if f.PhysicianID != nil {
		ds = ds.Where(goqu.Ex{"assigned_physician_id": f.PhysicianID.String()})
	}
	if f.PatientID != nil {
		ds = ds.Where(goqu.Ex{"patient_id": f.PatientID.String()})
	}
	return ds
}

// QueueSQL builds the count and page queries for the waiting queue.
// Untriaged rows carry a NULL rank and sort last.
func QueueSQL(f QueueFilter, limit, offset int) (countSQL string, countArgs []interface{}, pageSQL string, pageArgs []interface{}, err error) {
	ds := queueDataset(f)
	countSQL, countArgs, err = ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return
	}
	pageSQL, pageArgs, err = ds.
		Select(colList...).
		Order(goqu.I("priority_rank").Asc().NullsLast(), goqu.I("created_at").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	return
}

func (r *repoPG) ListQueue(ctx context.Context, f QueueFilter, limit, offset int) ([]*Consultation, int, error) {
	countSQL, countArgs, pageSQL, pageArgs, err := QueueSQL(f, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("build queue query: %w", err)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var items []*Consultation
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan consultation: %w", err)
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

func (r *historyRepoPG) Append(ctx context.Context, e *HistoryEntry) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO consultation_status_history
			(consultation_id, previous_status, new_status, event, acting_role, acting_professional_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		e.ConsultationID, e.PreviousStatus, e.NewStatus, e.Event, e.ActingRole, e.ActingProfessionalID, e.Note,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append history for consultation %s: %w", e.ConsultationID, err)
	}
	return nil
}

func (r *historyRepoPG) ListByConsultation(ctx context.Context, consultationID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, consultation_id, previous_status, new_status, event, acting_role, acting_professional_id, note, created_at
		FROM consultation_status_history
		WHERE consultation_id = $1
		ORDER BY id`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("list history for consultation %s: %w", consultationID, err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.ConsultationID, &e.PreviousStatus, &e.NewStatus, &e.Event,
			&e.ActingRole, &e.ActingProfessionalID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
