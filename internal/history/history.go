// Package history persists completed analyses so verdicts can be shared
// and revisited by share id.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/movesentry/movesentry/internal/pagination"
)

// ErrNotFound is returned when no analysis exists for a share id.
var ErrNotFound = errors.New("analysis not found")

// ListOption configures optional parameters for Recent queries.
type ListOption func(*listOpts)

type listOpts struct {
	cursor *pagination.Cursor
}

func applyListOpts(opts []ListOption) listOpts {
	var o listOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// WithCursor resumes a listing after the given cursor position. An
// unparseable cursor is ignored and the listing starts from the top.
func WithCursor(cursor string) ListOption {
	return func(o *listOpts) {
		c, err := pagination.Decode(cursor)
		if err == nil {
			o.cursor = c
		}
	}
}

// Record is one stored analysis. Result holds the full serialized
// analysis document; the remaining fields are the query dimensions.
type Record struct {
	ShareID   string          `json:"shareId"`
	Network   string          `json:"network"`
	Function  string          `json:"function"`
	Sender    string          `json:"sender,omitempty"`
	Rating    string          `json:"rating"`
	Score     float64         `json:"score"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists analysis records.
type Store interface {
	// Save stores a record, replacing any existing record with the
	// same share id.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for a share id, ErrNotFound when absent.
	Get(ctx context.Context, shareID string) (*Record, error)

	// Recent returns up to limit records, newest first, optionally
	// resuming after a cursor position.
	Recent(ctx context.Context, limit int, opts ...ListOption) ([]*Record, error)

	// Prune deletes records created before the cutoff and reports how
	// many were removed.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
