package professional

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/globalqueiros/stixconnect-sub000/internal/platform/db"
	"github.com/globalqueiros/stixconnect-sub000/pkg/apperr"
)

var dialect = goqu.Dialect("postgres")

// loadColumn is the consultation column that references a professional of
// each type.
var loadColumn = map[Type]string{
	TypeNurse:     "assigned_nurse_id",
	TypePhysician: "assigned_physician_id",
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const cols = `id, name, type, specialty, available, active, created_at, updated_at`

func scan(row pgx.Row, extra ...interface{}) (*Professional, error) {
	var p Professional
	dest := append([]interface{}{&p.ID, &p.Name, &p.Type, &p.Specialty, &p.Available, &p.Active, &p.CreatedAt, &p.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &p, nil
}

func notFound(id uuid.UUID, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("professional %s not found", id)
	}
	return fmt.Errorf("get professional %s: %w", id, err)
}

func (r *repoPG) Create(ctx context.Context, p *Professional) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO professional (id, name, type, specialty, available, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Type, p.Specialty, p.Available, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert professional: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Professional, error) {
	p, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM professional WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(id, err)
	}
	return p, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Professional, error) {
	p, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM professional WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(id, err)
	}
	return p, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Professional, int, error) {
	ds := dialect.From("professional").Prepared(true)
	if f.Type != nil {
		ds = ds.Where(goqu.Ex{"type": string(*f.Type)})
	}
	if f.Specialty != nil {
		ds = ds.Where(goqu.Ex{"specialty": *f.Specialty})
	}
	if f.Active != nil {
		ds = ds.Where(goqu.Ex{"active": *f.Active})
	}
	if f.Available != nil {
		ds = ds.Where(goqu.Ex{"available": *f.Available})
	}

	countSQL, countArgs, err := ds.Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count professionals: %w", err)
	}

	query, args, err := ds.
		Select(goqu.L(cols)).
		Order(goqu.I("name").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list professionals: %w", err)
	}
	defer rows.Close()

	var items []*Professional
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan professional: %w", err)
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) (*Professional, error) {
	p, err := scan(r.conn(ctx).QueryRow(ctx, `
		UPDATE professional SET available = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+cols, id, available))
	if err != nil {
		return nil, notFound(id, err)
	}
	return p, nil
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE professional SET active = FALSE, available = FALSE, updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate professional %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("professional %s not found", id)
	}
	return nil
}

func (r *repoPG) LockPool(ctx context.Context, t Type) error {
	if db.TxFromContext(ctx) == nil {
		return fmt.Errorf("lock %s pool: no transaction bound to context", t)
	}
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "assignment:"+string(t)); err != nil {
		return fmt.Errorf("lock %s pool: %w", t, err)
	}
	return nil
}

// handlingExpr is the elapsed time of a consultation: until its last update
// once closed, until now while open.
const handlingExpr = `CASE WHEN c.status IN ('finalizada', 'cancelada') THEN c.updated_at ELSE NOW() END - c.created_at`

// CandidatesSQL builds the candidate query. Load counts every non-terminal
// consultation; the handling average only those created inside the window,
// or all of them when the window is zero.
func CandidatesSQL(q CandidateQuery) (string, []interface{}, error) {
	col, ok := loadColumn[q.Type]
	if !ok {
		return "", nil, fmt.Errorf("unknown professional type %q", q.Type)
	}

	avg := goqu.L(`COALESCE(EXTRACT(EPOCH FROM AVG(` + handlingExpr + `))::float8, 0)`)
	if q.HandlingWindow > 0 {
		avg = goqu.L(`COALESCE(EXTRACT(EPOCH FROM AVG(`+handlingExpr+`)
			FILTER (WHERE c.created_at >= NOW() - make_interval(secs => ?)))::float8, 0)`, q.HandlingWindow.Seconds())
	}

	ds := dialect.From(goqu.T("professional").As("p")).Prepared(true).
		LeftJoin(
			goqu.T("consultation").As("c"),
			goqu.On(goqu.I("c."+col).Eq(goqu.I("p.id"))),
		).
		Select(
			"p.id", "p.name", "p.type", "p.specialty", "p.available", "p.active", "p.created_at", "p.updated_at",
			goqu.L(`COUNT(c.id) FILTER (WHERE c.status NOT IN ('finalizada', 'cancelada'))`).As("active_load"),
			avg.As("avg_handling_seconds"),
		).
		Where(goqu.Ex{"p.type": string(q.Type), "p.active": true})

	if !q.IgnoreAvailability {
		ds = ds.Where(goqu.Ex{"p.available": true})
	}
	if q.Specialty != nil {
		ds = ds.Where(goqu.Ex{"p.specialty": *q.Specialty})
	}

	return ds.GroupBy("p.id").
		Order(goqu.I("active_load").Asc(), goqu.I("avg_handling_seconds").Asc(), goqu.I("p.created_at").Asc(), goqu.I("p.id").Asc()).
		ToSQL()
}

func (r *repoPG) Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	query, args, err := CandidatesSQL(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s candidates: %w", q.Type, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var load int
		var avgSeconds float64
		p, err := scan(rows, &load, &avgSeconds)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, Candidate{
			Professional:    *p,
			ActiveLoad:      load,
			AvgHandlingTime: time.Duration(avgSeconds * float64(time.Second)),
		})
	}
	return out, rows.Err()
}

// StatsSQL builds the per-(type, specialty) directory aggregate. A
// professional is in attendance while a consultation assigned to them
// through either reference column sits in the matching attendance status.
func StatsSQL() (string, []interface{}, error) {
	return dialect.From(goqu.T("professional").As("p")).Prepared(true).
		Select(
			"p.type", "p.specialty",
			goqu.COUNT(goqu.Star()).As("total"),
			goqu.L(`COUNT(*) FILTER (WHERE p.active)`).As("active"),
			goqu.L(`COUNT(*) FILTER (WHERE p.active AND p.available)`).As("available"),
			goqu.L(`COUNT(*) FILTER (WHERE EXISTS (
				SELECT 1 FROM consultation c
				WHERE (c.assigned_nurse_id = p.id AND c.status = ?)
				   OR (c.assigned_physician_id = p.id AND c.status = ?)
			))`, "atendimento_enfermagem", "atendimento_medico").As("in_attendance"),
		).
		GroupBy("p.type", "p.specialty").
		Order(goqu.I("p.type").Asc(), goqu.I("p.specialty").Asc().NullsFirst()).
		ToSQL()
}

func (r *repoPG) Stats(ctx context.Context) ([]Stats, error) {
	query, args, err := StatsSQL()
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query professional stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Type, &s.Specialty, &s.Total, &s.Active, &s.Available, &s.InAttendance); err != nil {
			return nil, fmt.Errorf("scan professional stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
