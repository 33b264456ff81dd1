// Package modlock records which administrator is handling an initiative.
//
// Claims expire softly: an expired claim is never swept, it just stops blocking other admins
// the next time someone tries to claim the same initiative.
package modlock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var errInvalidCooldown = errors.New("modlock: cooldown must be positive")

// Holder is the admin currently handling an initiative.
type Holder struct {
	AdminID int64     `json:"admin_id"`
	Name    string    `json:"name"`
	Expires time.Time `json:"expires"`
}

// Remaining returns the whole seconds left on the claim, rounded up.
func (h Holder) Remaining(now time.Time) int {
	left := h.Expires.Sub(now).Seconds()
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left))
}

// Refusal describes a denied claim.
type Refusal struct {
	Holder  Holder
	Seconds int
}

// Locks grants per-initiative moderation claims.
type Locks interface {
	// Claim records adminID as the handler of initiativeID unless another admin holds an unexpired
	// claim, in which case the refusal describes that claim. The same admin may always re-claim.
	Claim(ctx context.Context, initiativeID uint, adminID int64, name string) (*Refusal, error)
}

// Memory is a process-local Locks implementation.
type Memory struct {
	mu       sync.Mutex
	cooldown time.Duration
	clock    func() time.Time
	claims   map[uint]Holder
}

// NewMemory constructs an in-memory lock table.
func NewMemory(cooldown time.Duration, clock func() time.Time) (*Memory, error) {
	if cooldown <= 0 {
		return nil, errInvalidCooldown
	}
	if clock == nil {
		clock = time.Now
	}
	return &Memory{cooldown: cooldown, clock: clock, claims: make(map[uint]Holder)}, nil
}

func (m *Memory) Claim(_ context.Context, initiativeID uint, adminID int64, name string) (*Refusal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if current, ok := m.claims[initiativeID]; ok && current.AdminID != adminID && now.Before(current.Expires) {
		return &Refusal{Holder: current, Seconds: current.Remaining(now)}, nil
	}
	m.claims[initiativeID] = Holder{AdminID: adminID, Name: name, Expires: now.Add(m.cooldown)}
	return nil, nil
}
