// Package guard admits or refuses heavy operations (extraction, OCR) based
// on heap pressure, a bounded slot pool and a circuit breaker fed by the
// outcome of the operations it admits.
//
// The guard never runs, pauses or cancels work itself. Callers acquire a
// slot, do the work, and release the slot with the outcome; failures trip
// the breaker and change future admission decisions.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/docingest/idgen"
	"github.com/hazyhaar/docingest/observability"
)

// Admission refusals. ErrMemoryCritical and ErrPoolSaturated both match
// ErrNoSlot with errors.Is.
var (
	ErrNoSlot         = errors.New("guard: no slot available")
	ErrMemoryCritical = fmt.Errorf("%w: memory usage critical", ErrNoSlot)
	ErrPoolSaturated  = fmt.Errorf("%w: slot pool saturated", ErrNoSlot)
	ErrClosed         = errors.New("guard: shut down")
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// running it.
type ErrCircuitOpen struct {
	State      BreakerState
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("guard: circuit %s, retry in %s", e.State, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("guard: circuit %s", e.State)
}

// Defaults applied to a zero Config.
const (
	DefaultMaxConcurrent       = 5
	DefaultMemoryWarningRatio  = 0.75
	DefaultMemoryCriticalRatio = 0.85
)

// Config configures a Guard.
type Config struct {
	// MaxConcurrent bounds in-flight heavy operations (default: 5).
	MaxConcurrent int `json:"max_concurrent_uploads" yaml:"max_concurrent_uploads"`

	// MemoryWarningRatio signals degraded capacity (default: 0.75).
	MemoryWarningRatio float64 `json:"memory_warning_ratio" yaml:"memory_warning_ratio"`

	// MemoryCriticalRatio blocks admission (default: 0.85).
	MemoryCriticalRatio float64 `json:"memory_critical_ratio" yaml:"memory_critical_ratio"`

	// MemoryLimitBytes is the heap budget for the default sampler. Zero uses
	// GOMEMLIMIT or the heap obtained from the OS.
	MemoryLimitBytes uint64 `json:"memory_limit_bytes" yaml:"memory_limit_bytes"`

	BreakerThreshold    int           `json:"breaker_threshold" yaml:"breaker_threshold"`         // default 5
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout" yaml:"breaker_reset_timeout"` // default 60s
	BreakerHalfOpenMax  int           `json:"breaker_half_open_max" yaml:"breaker_half_open_max"` // default 2

	Sampler  MemorySampler         `json:"-" yaml:"-"`
	Clock    func() time.Time      `json:"-" yaml:"-"`
	NewID    idgen.Generator       `json:"-" yaml:"-"`
	Observer Observer              `json:"-" yaml:"-"`
	Logger   *slog.Logger          `json:"-" yaml:"-"`
	Emitter  observability.Emitter `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MemoryWarningRatio <= 0 {
		c.MemoryWarningRatio = DefaultMemoryWarningRatio
	}
	if c.MemoryCriticalRatio <= 0 {
		c.MemoryCriticalRatio = DefaultMemoryCriticalRatio
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerResetTimeout <= 0 {
		c.BreakerResetTimeout = 60 * time.Second
	}
	if c.BreakerHalfOpenMax <= 0 {
		c.BreakerHalfOpenMax = 2
	}
	if c.Sampler == nil {
		c.Sampler = RuntimeSampler{Limit: c.MemoryLimitBytes}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("slot_", idgen.UUIDv7())
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Emitter == nil {
		c.Emitter = observability.NewSlogEmitter(c.Logger)
	}
}

// Slot is a granted admission.
type Slot struct {
	ID         string    `json:"id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Owner      string    `json:"owner,omitempty"`
}

// Guard owns the slot registry and the breaker. Safe for concurrent use.
// Callers normally create one per process and pass it by reference.
type Guard struct {
	cfg     Config
	sem     *semaphore.Weighted
	breaker *CircuitBreaker

	mu      sync.Mutex
	slots   map[string]Slot
	settled map[string]bool
	closed  bool
}

// New creates a Guard.
func New(cfg Config) *Guard {
	cfg.defaults()
	g := &Guard{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		slots:   make(map[string]Slot),
		settled: make(map[string]bool),
	}
	g.breaker = NewCircuitBreaker(
		WithBreakerThreshold(cfg.BreakerThreshold),
		WithBreakerResetTimeout(cfg.BreakerResetTimeout),
		WithBreakerHalfOpenMax(cfg.BreakerHalfOpenMax),
		WithBreakerClock(cfg.Clock),
		WithBreakerObserver(g.onTransition),
	)
	return g
}

// Breaker exposes the underlying circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// CheckMemory samples the heap and grades it.
func (g *Guard) CheckMemory() MemoryCheck {
	c := classify(g.cfg.Sampler.ReadMemory(), g.cfg.MemoryWarningRatio, g.cfg.MemoryCriticalRatio)
	if c.Level != MemoryOK {
		g.cfg.Logger.Warn("guard: memory pressure",
			"level", c.Level, "ratio", fmt.Sprintf("%.2f", c.Stats.Ratio), "heap_alloc", c.Stats.HeapAlloc)
	}
	return c
}

// CanExecute reports whether the breaker would admit a call now.
func (g *Guard) CanExecute() bool { return g.breaker.Allow() }

// Acquire grants a slot or explains why not. Checks run in order and stop
// at the first refusal: circuit state, memory, pool capacity.
func (g *Guard) Acquire(owner string) (string, error) {
	if g.isClosed() {
		return "", ErrClosed
	}
	if !g.breaker.Allow() {
		return "", g.deny(owner, g.circuitErr())
	}
	if mc := g.CheckMemory(); !mc.Allowed {
		return "", g.deny(owner, ErrMemoryCritical)
	}
	if !g.sem.TryAcquire(1) {
		return "", g.deny(owner, ErrPoolSaturated)
	}
	// Another caller may have taken the last half-open trial meanwhile.
	if !g.breaker.Begin() {
		g.sem.Release(1)
		return "", g.deny(owner, g.circuitErr())
	}

	slot := Slot{ID: g.cfg.NewID(), AcquiredAt: g.cfg.Clock(), Owner: owner}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.sem.Release(1)
		return "", ErrClosed
	}
	g.slots[slot.ID] = slot
	active := len(g.slots)
	g.mu.Unlock()

	g.cfg.Logger.Debug("guard: slot acquired", "slot", slot.ID, "owner", owner, "active", active)
	g.cfg.Observer.OnSlot(SlotEvent{Kind: SlotGranted, Slot: slot, At: slot.AcquiredAt})
	g.emit("slot_granted", true, map[string]any{"slot": slot.ID, "owner": owner, "active": active})
	return slot.ID, nil
}

// AcquireSlot is Acquire without the reason: it returns the slot id and
// true, or "" and false.
func (g *Guard) AcquireSlot(owner string) (string, bool) {
	id, err := g.Acquire(owner)
	return id, err == nil
}

// ReleaseSlot frees id and feeds success to the breaker. Unknown or already
// released ids are ignored and report false.
func (g *Guard) ReleaseSlot(id string, success bool) bool {
	g.mu.Lock()
	slot, ok := g.slots[id]
	settled := g.settled[id]
	if ok {
		delete(g.slots, id)
		delete(g.settled, id)
	}
	g.mu.Unlock()
	if !ok {
		g.cfg.Logger.Debug("guard: release of unknown slot ignored", "slot", id)
		return false
	}
	g.sem.Release(1)

	if !settled {
		g.record(success)
	}

	now := g.cfg.Clock()
	g.cfg.Logger.Debug("guard: slot released", "slot", id, "success", success, "held", now.Sub(slot.AcquiredAt))
	g.cfg.Observer.OnSlot(SlotEvent{Kind: SlotReleased, Slot: slot, Success: success, At: now})
	g.emit("slot_released", success, map[string]any{"slot": id, "held_ms": now.Sub(slot.AcquiredAt).Milliseconds()})
	return true
}

// Settle feeds the breaker the outcome of a slot that stays held, for
// work that outlived its caller. The later ReleaseSlot only frees the pool
// slot. It reports false when id is unknown or already settled.
func (g *Guard) Settle(id string, success bool) bool {
	if !g.markSettled(id) {
		return false
	}
	g.record(success)
	g.cfg.Logger.Debug("guard: slot settled", "slot", id, "success", success)
	return true
}

// Void settles id with no outcome: the breaker is not fed and a half-open
// trial taken for it is returned. Used when the caller gave up on the call.
func (g *Guard) Void(id string) bool {
	if !g.markSettled(id) {
		return false
	}
	g.breaker.Abort()
	g.cfg.Logger.Debug("guard: slot voided", "slot", id)
	return true
}

func (g *Guard) markSettled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.slots[id]; !ok || g.settled[id] {
		return false
	}
	g.settled[id] = true
	return true
}

func (g *Guard) record(success bool) {
	if success {
		g.breaker.RecordSuccess()
	} else {
		g.breaker.RecordFailure()
	}
}

// RecordSuccess feeds a success to the breaker directly.
func (g *Guard) RecordSuccess() { g.breaker.RecordSuccess() }

// RecordFailure feeds a failure to the breaker directly.
func (g *Guard) RecordFailure() { g.breaker.RecordFailure() }

// Execute runs fn under the breaker. When the breaker is open fn is not
// called and *ErrCircuitOpen is returned; otherwise the outcome is recorded
// and fn's error is returned unchanged.
func (g *Guard) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Run(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run is Execute for functions returning a value.
func Run[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !g.breaker.Begin() {
		return zero, g.circuitErr()
	}
	v, err := fn(ctx)
	if err != nil {
		g.breaker.RecordFailure()
		return v, err
	}
	g.breaker.RecordSuccess()
	return v, nil
}

// Shutdown force-releases every slot without feeding the breaker and
// refuses further acquisitions. It returns the slots that were still held.
func (g *Guard) Shutdown() []Slot {
	g.mu.Lock()
	g.closed = true
	held := make([]Slot, 0, len(g.slots))
	for id, s := range g.slots {
		held = append(held, s)
		delete(g.slots, id)
	}
	clear(g.settled)
	g.mu.Unlock()

	sortSlots(held)
	now := g.cfg.Clock()
	for _, s := range held {
		g.sem.Release(1)
		g.cfg.Observer.OnSlot(SlotEvent{Kind: SlotForced, Slot: s, At: now})
	}
	if len(held) > 0 {
		g.cfg.Logger.Warn("guard: shutdown released held slots", "count", len(held))
	}
	return held
}

// Stats is a diagnostic snapshot.
type Stats struct {
	MaxConcurrent int             `json:"max_concurrent"`
	Active        int             `json:"active"`
	Available     int             `json:"available"`
	Slots         []SlotInfo      `json:"slots"`
	Breaker       BreakerSnapshot `json:"breaker"`
	Memory        MemoryCheck     `json:"memory"`
}

// SlotInfo is a held slot with its age.
type SlotInfo struct {
	Slot
	AgeMs int64 `json:"age_ms"`
}

// Stats returns held slots (oldest first), breaker counters and a memory
// sample.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	held := make([]Slot, 0, len(g.slots))
	for _, s := range g.slots {
		held = append(held, s)
	}
	g.mu.Unlock()
	sortSlots(held)

	now := g.cfg.Clock()
	infos := make([]SlotInfo, len(held))
	for i, s := range held {
		infos[i] = SlotInfo{Slot: s, AgeMs: now.Sub(s.AcquiredAt).Milliseconds()}
	}
	return Stats{
		MaxConcurrent: g.cfg.MaxConcurrent,
		Active:        len(held),
		Available:     g.cfg.MaxConcurrent - len(held),
		Slots:         infos,
		Breaker:       g.breaker.Snapshot(),
		Memory:        classify(g.cfg.Sampler.ReadMemory(), g.cfg.MemoryWarningRatio, g.cfg.MemoryCriticalRatio),
	}
}

func (g *Guard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Guard) circuitErr() *ErrCircuitOpen {
	return &ErrCircuitOpen{State: g.breaker.State(), RetryAfter: g.breaker.RetryAfter()}
}

func (g *Guard) deny(owner string, err error) error {
	g.cfg.Logger.Info("guard: slot denied", "owner", owner, "reason", err)
	g.cfg.Observer.OnSlot(SlotEvent{Kind: SlotDenied, Owner: owner, Reason: err.Error(), At: g.cfg.Clock()})
	g.emit("slot_denied", false, map[string]any{"owner": owner, "reason": err.Error()})
	return err
}

func (g *Guard) onTransition(t Transition) {
	g.cfg.Logger.Warn("guard: circuit breaker transition", "from", t.From, "to", t.To, "failures", t.Failures)
	g.cfg.Observer.OnTransition(t)
	g.emit("breaker_transition", t.To != BreakerOpen, map[string]any{
		"from": t.From.String(), "to": t.To.String(), "failures": t.Failures,
	})
}

func (g *Guard) emit(name string, success bool, attrs map[string]any) {
	g.cfg.Emitter.Emit(context.Background(), observability.NewEvent(observability.StageGuard, name, success, attrs))
}

func sortSlots(s []Slot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].AcquiredAt.Equal(s[j].AcquiredAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].AcquiredAt.Before(s[j].AcquiredAt)
	})
}
