package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"voice-notes-go/internal/types"
)

// Resource kinds reserved by the pipeline.
const (
	KindASR       = "asr"
	KindSummarize = "summarize"
)

// Guard is consulted once before costly work starts. A refusal wraps
// types.ErrQuotaExceeded and must not be retried.
type Guard interface {
	CheckAndReserve(ctx context.Context, ownerID, kind string, amount int) error
}

// Unlimited approves everything.
type Unlimited struct{}

func (Unlimited) CheckAndReserve(context.Context, string, string, int) error { return nil }

type usageKey struct {
	owner string
	kind  string
	day   string
}

// Limiter enforces fixed daily allowances per owner and kind, in memory.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]int
	used   map[usageKey]int
	now    func() time.Time
}

func NewLimiter(limits map[string]int) *Limiter {
	return &Limiter{limits: limits, used: make(map[usageKey]int), now: time.Now}
}

func (l *Limiter) CheckAndReserve(ctx context.Context, ownerID, kind string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[kind]
	if !ok || limit <= 0 {
		return nil
	}
	key := usageKey{owner: ownerID, kind: kind, day: l.now().UTC().Format("2006-01-02")}
	if l.used[key]+amount > limit {
		return fmt.Errorf("%s: %d of %d used, %d requested: %w", kind, l.used[key], limit, amount, types.ErrQuotaExceeded)
	}
	l.used[key] += amount
	return nil
}

// Used reports today's consumption.
func (l *Limiter) Used(ownerID, kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[usageKey{owner: ownerID, kind: kind, day: l.now().UTC().Format("2006-01-02")}]
}

// ReserveOnce reserves amount of kind for the job's owner unless the job
// already holds a reservation for kind. The job records the reservation;
// persisting it is up to the caller.
func ReserveOnce(ctx context.Context, g Guard, j *types.Job, kind string, amount int) error {
	if j.HasReserved(kind) {
		return nil
	}
	if err := g.CheckAndReserve(ctx, j.OwnerID, kind, amount); err != nil {
		return err
	}
	j.Reserved = append(j.Reserved, kind)
	return nil
}
