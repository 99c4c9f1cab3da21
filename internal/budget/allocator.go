package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/HendryAvila/papertrail/internal/trail"
)

// Status is the budget state derived from percentage used.
type Status string

const (
	StatusNominal       Status = "nominal"
	StatusAutoCompress  Status = "auto_compress"
	StatusWarnUser      Status = "warn_user"
	StatusForceCompress Status = "force_compress"
)

// Thresholds in percent of the working budget. Each is inclusive on its
// lower bound.
const (
	AutoCompressAt  = 70.0
	WarnUserAt      = 85.0
	ForceCompressAt = 95.0
)

// StatusFor maps consumption to a status. A zero working budget is
// treated as fully consumed.
func StatusFor(used, working int) Status {
	if working <= 0 {
		return StatusForceCompress
	}
	return statusForPercent(PercentUsed(used, working))
}

func statusForPercent(pct float64) Status {
	switch {
	case pct >= ForceCompressAt:
		return StatusForceCompress
	case pct >= WarnUserAt:
		return StatusWarnUser
	case pct >= AutoCompressAt:
		return StatusAutoCompress
	}
	return StatusNominal
}

// PercentUsed is used / working as a percentage.
func PercentUsed(used, working int) float64 {
	if working <= 0 {
		return 100
	}
	return float64(used) * 100 / float64(working)
}

// TriggerSink receives compression triggers. Submit runs synchronously and
// may call back into the Allocator (Release).
type TriggerSink interface {
	Submit(trail.Trigger)
}

// PoolState is the allocation and consumption of one pool.
type PoolState struct {
	Allocated int `json:"allocated"`
	Consumed  int `json:"consumed"`
	Remaining int `json:"remaining"`
}

// Decision is the outcome of RecordConsumption.
type Decision struct {
	Accepted bool           `json:"accepted"`
	Blocked  bool           `json:"blocked,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Advisory string         `json:"advisory,omitempty"`
	Status   Status         `json:"status"`
	Trigger  *trail.Trigger `json:"trigger,omitempty"`

	// NeedsRelease is set when forced compression freed nothing and only
	// releasing consumed tokens can unblock the budget.
	NeedsRelease bool `json:"needs_release,omitempty"`
}

// Report is a consistent snapshot of the budget.
type Report struct {
	SessionID      string             `json:"session_id"`
	Classification Classification     `json:"classification"`
	Used           int                `json:"used"`
	Total          int                `json:"total"`
	PercentUsed    float64            `json:"percent_used"`
	Status         Status             `json:"status"`
	WindowTotal    int                `json:"window_total"`
	ReservedOutput int                `json:"reserved_output"`
	Pools          map[Pool]PoolState `json:"pools"`
}

// Config configures an Allocator.
type Config struct {
	SessionID      string
	Total          int
	Reserved       int
	Classification Classification
	Sink           TriggerSink
	Now            func() time.Time
}

// Allocator tracks one session's consumption. All counters are updated
// under a single mutex; triggers are delivered after it is released.
type Allocator struct {
	mu        sync.Mutex
	sessionID string
	total     int
	reserved  int
	class     Classification
	allocated map[Pool]int
	consumed  map[Pool]int
	status    Status
	sink      TriggerSink
	now       func() time.Time
}

// NewAllocator builds an allocator for cfg.Classification.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Reserved < 0 || cfg.Reserved >= cfg.Total {
		return nil, fmt.Errorf("budget: reserved %d must be in [0, %d)", cfg.Reserved, cfg.Total)
	}
	working := cfg.Total - cfg.Reserved
	alloc, err := Allocate(cfg.Classification, working)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Allocator{
		sessionID: cfg.SessionID,
		total:     cfg.Total,
		reserved:  cfg.Reserved,
		class:     cfg.Classification,
		allocated: alloc,
		consumed:  make(map[Pool]int, len(Pools)),
		status:    StatusNominal,
		sink:      cfg.Sink,
		now:       now,
	}, nil
}

// SetSink replaces the trigger sink.
func (a *Allocator) SetSink(s TriggerSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

// Working is the input budget: total minus reserved output.
func (a *Allocator) Working() int { return a.total - a.reserved }

// Classification returns the current classification.
func (a *Allocator) Classification() Classification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.class
}

// RecordConsumption charges tokens to pool. It is rejected when the pool
// ceiling would be exceeded. In FORCE_COMPRESS it first submits a forced
// compression trigger and is rejected unless that left FORCE_COMPRESS. A transition into
// AUTO_COMPRESS or FORCE_COMPRESS submits a pressure trigger.
func (a *Allocator) RecordConsumption(pool Pool, tokens int) Decision {
	a.mu.Lock()
	alloc, ok := a.allocated[pool]
	switch {
	case !ok:
		a.mu.Unlock()
		return Decision{Reason: fmt.Sprintf("unknown pool %q", pool), Status: a.Status()}
	case tokens <= 0:
		st := a.status
		a.mu.Unlock()
		return Decision{Reason: "tokens must be positive", Status: st}
	}

	var forced *trail.Trigger
	if a.status == StatusForceCompress {
		trig := a.pressureTriggerLocked(true, "consumption blocked at force_compress")
		sink := a.sink
		before := a.usedLocked()
		a.mu.Unlock()
		a.submit(sink, trig)

		// The sink compresses synchronously; if that left FORCE_COMPRESS
		// the charge proceeds below.
		a.mu.Lock()
		if a.status == StatusForceCompress {
			freed := before - a.usedLocked()
			st := a.status
			a.mu.Unlock()
			d := Decision{
				Blocked: true,
				Reason:  "budget exhausted: compression must run before further consumption",
				Status:  st,
				Trigger: &trig,
			}
			if freed <= 0 {
				d.Reason = "budget exhausted and compression freed nothing: release consumed tokens from a pool to continue"
				d.NeedsRelease = true
			}
			return d
		}
		forced = &trig
		alloc = a.allocated[pool]
	}

	if have := a.consumed[pool]; have+tokens > alloc {
		st := a.status
		a.mu.Unlock()
		return Decision{
			Reason: fmt.Sprintf("pool %s oversubscribed: %d + %d > %d", pool, have, tokens, alloc),
			Status: st,
		}
	}

	prev := a.status
	a.consumed[pool] += tokens
	a.status = StatusFor(a.usedLocked(), a.Working())

	var trig *trail.Trigger
	if a.status != prev && (a.status == StatusAutoCompress || a.status == StatusForceCompress) {
		t := a.pressureTriggerLocked(a.status == StatusForceCompress, fmt.Sprintf("status changed %s -> %s", prev, a.status))
		trig = &t
	}
	st := a.status
	sink := a.sink
	a.mu.Unlock()

	d := Decision{Accepted: true, Status: st, Trigger: trig}
	if trig != nil {
		a.submit(sink, *trig)
		d.Status = a.Status()
	} else if forced != nil {
		d.Trigger = forced
	}
	if d.Status == StatusWarnUser {
		d.Advisory = fmt.Sprintf("context is %.1f%% full; consider wrapping up or compressing", a.Report().PercentUsed)
	}
	return d
}

func (a *Allocator) submit(sink TriggerSink, t trail.Trigger) {
	if sink != nil {
		sink.Submit(t)
	}
}

// pressureTriggerLocked asks for enough tokens to return to NOMINAL.
func (a *Allocator) pressureTriggerLocked(forced bool, reason string) trail.Trigger {
	t := trail.NewTrigger(a.sessionID, trail.KindBudgetPressure, 0, 0, a.now())
	t.Forced = forced
	t.Reason = reason
	t.BudgetStatus = string(a.status)
	target := int(float64(a.Working()) * AutoCompressAt / 100)
	t.TokensToFree = max(a.usedLocked()-target+1, 1)
	return t
}

// Release returns tokens to pool, after compression or when the caller
// drops content it had charged. It never emits triggers.
func (a *Allocator) Release(pool Pool, tokens int) {
	if tokens <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.allocated[pool]; !ok {
		return
	}
	a.consumed[pool] = max(a.consumed[pool]-tokens, 0)
	a.status = StatusFor(a.usedLocked(), a.Working())
}

// Restore sets consumption from persisted state without emitting triggers.
func (a *Allocator) Restore(consumed map[Pool]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p, n := range consumed {
		if _, ok := a.allocated[p]; ok && n > 0 {
			a.consumed[p] = n
		}
	}
	a.status = StatusFor(a.usedLocked(), a.Working())
}

// Reclassify recomputes allocations for c, keeping consumption.
func (a *Allocator) Reclassify(c Classification) error {
	alloc, err := Allocate(c, a.Working())
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.class = c
	a.allocated = alloc
	return nil
}

// Status returns the current status.
func (a *Allocator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Remaining returns the unconsumed tokens of pool.
func (a *Allocator) Remaining(pool Pool) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return max(a.allocated[pool]-a.consumed[pool], 0)
}

// Consumed returns a copy of per-pool consumption.
func (a *Allocator) Consumed() map[Pool]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[Pool]int, len(a.consumed))
	for p, n := range a.consumed {
		out[p] = n
	}
	return out
}

// Report returns a consistent snapshot.
func (a *Allocator) Report() Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.usedLocked()
	r := Report{
		SessionID:      a.sessionID,
		Classification: a.class,
		Used:           used,
		Total:          a.Working(),
		PercentUsed:    PercentUsed(used, a.Working()),
		Status:         a.status,
		WindowTotal:    a.total,
		ReservedOutput: a.reserved,
		Pools:          make(map[Pool]PoolState, len(a.allocated)),
	}
	for _, p := range Pools {
		r.Pools[p] = PoolState{
			Allocated: a.allocated[p],
			Consumed:  a.consumed[p],
			Remaining: max(a.allocated[p]-a.consumed[p], 0),
		}
	}
	return r
}

func (a *Allocator) usedLocked() int {
	used := 0
	for _, n := range a.consumed {
		used += n
	}
	return used
}
