package threatfeed

import (
	"context"
	"errors"
	"time"
)

// ErrNotDenylisted is returned when an address is absent from the denylist.
var ErrNotDenylisted = errors.New("address not denylisted")

// Entry is one locally denylisted address.
type Entry struct {
	Address   string    `json:"address"`
	Network   string    `json:"network"`
	Reason    string    `json:"reason,omitempty"`
	AddedBy   string    `json:"addedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DenylistStore persists the curated denylist. Addresses are stored
// normalized and matched per network.
type DenylistStore interface {
	Add(ctx context.Context, e *Entry) error
	Remove(ctx context.Context, network, address string) error
	Get(ctx context.Context, network, address string) (*Entry, error)
	List(ctx context.Context, network string, limit int) ([]*Entry, error)
}

// Denylist adapts the local store into a Source. Register it with
// AddLocalSource: a lookup against our own store needs no throttling.
type Denylist struct {
	store DenylistStore
}

// NewDenylist wraps store as a reputation source.
func NewDenylist(store DenylistStore) *Denylist {
	return &Denylist{store: store}
}

func (d *Denylist) Name() string { return "denylist" }

func (d *Denylist) Weight() float64 { return 1.0 }

// Check reports a listed address as malicious with high confidence. An
// absent address is a weak clean signal; the curated list is far from
// exhaustive.
func (d *Denylist) Check(ctx context.Context, address, network string) (*Verdict, error) {
	entry, err := d.store.Get(ctx, network, address)
	if errors.Is(err, ErrNotDenylisted) {
		return &Verdict{Confidence: 0.5}, nil
	}
	if err != nil {
		return nil, err
	}

	tags := []string{"denylist"}
	if entry.Reason != "" {
		tags = append(tags, entry.Reason)
	}
	return &Verdict{
		Malicious:  true,
		Confidence: 0.95,
		RiskScore:  100,
		Tags:       tags,
	}, nil
}
