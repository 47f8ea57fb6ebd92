package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the minimal record the consultation engine references. Clinical
// demographics live outside this service.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
