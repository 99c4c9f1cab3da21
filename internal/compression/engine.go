// Package compression ages and compacts a session's paper trail.
//
// Every compression first copies the original content to the archive, then
// mutates the live tiers: demotion merges items into one compacted summary
// in the next tier, archiving removes items from the live tiers and leaves
// an archive reference. Tier 1 is never a source or a target.
package compression

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/trail"
)

const (
	// summaryRatio is the expected summary size relative to its sources.
	summaryRatio = 4
	// summaryFloor keeps summaries of small merges readable.
	summaryFloor = 32
)

// Archiver is the durable side of compression.
type Archiver interface {
	Put(p archive.PutParams) (*archive.Item, error)
	LogTrigger(t trail.Trigger, o archive.Outcome) error
}

// Releaser gets back the tokens compression freed.
type Releaser interface {
	Release(pool budget.Pool, tokens int)
}

// Result is the outcome of applying one trigger.
type Result struct {
	Trigger     trail.Trigger `json:"trigger"`
	TokensFreed int           `json:"tokens_freed"`
	ArchiveIDs  []string      `json:"archive_ids,omitempty"`
	SummaryID   string        `json:"summary_id,omitempty"`
}

// Preview is the read-only compression status of a session.
type Preview struct {
	Triggers       []trail.Trigger `json:"triggers"`
	TokensFreeable int             `json:"tokens_freeable"`
	Overflow       map[string]int  `json:"overflow,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Policy     trail.AgePolicy
	Summarizer Summarizer
	Releaser   Releaser
	Logger     *zap.Logger
	Now        func() time.Time
}

// Engine compresses one session's trail. Apply calls are serialized.
type Engine struct {
	mu         sync.Mutex
	trail      *trail.Store
	archive    Archiver
	counter    trail.Counter
	summarizer Summarizer
	policy     trail.AgePolicy
	releaser   Releaser
	log        *zap.Logger
	now        func() time.Time
}

// New builds an engine over store, archiving into arch.
func New(store *trail.Store, arch Archiver, counter trail.Counter, opts Options) *Engine {
	e := &Engine{
		trail:      store,
		archive:    arch,
		counter:    counter,
		summarizer: opts.Summarizer,
		policy:     opts.Policy,
		releaser:   opts.Releaser,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if e.summarizer == nil {
		e.summarizer = Extractive{Counter: counter}
	}
	if e.policy.Recent == 0 && e.policy.Historical == 0 {
		e.policy = trail.DefaultAgePolicy
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// SetReleaser wires the budget that freed tokens are returned to.
func (e *Engine) SetReleaser(r Releaser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaser = r
}

// ─── Planning ────────────────────────────────────────────────────────────────

// PlanAging returns the age-based triggers due at now: Tier 3 items past
// the Recent threshold demote to Tier 4, Tier 4 items past the Historical
// threshold move to the archive. A zero threshold never ages its tier.
func (e *Engine) PlanAging(now time.Time) []trail.Trigger {
	var out []trail.Trigger
	for _, src := range []trail.Tier{trail.TierRecent, trail.TierHistorical} {
		limit := e.policy.MaxAge(src)
		if limit <= 0 {
			continue
		}
		var ids []string
		for _, it := range e.trail.Items(src) {
			if it.Age(now) >= limit {
				ids = append(ids, it.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}
		t := trail.NewTrigger(e.trail.SessionID(), trail.KindAgeDemotion, src, src+1, now)
		t.ItemIDs = ids
		t.Reason = fmt.Sprintf("%d item(s) older than %s", len(ids), limit)
		out = append(out, t)
	}
	return out
}

// PlanPressure names enough items to free tokensToFree, taking the most
// compressible tier first (4, then 3, then 2 when forced) and the least
// recently referenced items within a tier.
func (e *Engine) PlanPressure(tokensToFree int, forced bool, now time.Time) []trail.Trigger {
	order := []trail.Tier{trail.TierHistorical, trail.TierRecent}
	if forced {
		order = append(order, trail.TierKeyEvidence)
	}

	remaining := tokensToFree
	var out []trail.Trigger
	for _, src := range order {
		if remaining <= 0 {
			break
		}
		items := e.trail.Items(src)
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].LastReferenced.Before(items[j].LastReferenced)
		})
		var ids []string
		var planned int
		for _, it := range items {
			if planned >= remaining {
				break
			}
			ids = append(ids, it.ID)
			planned += estimateFreed(src, it.Tokens)
		}
		if len(ids) == 0 {
			continue
		}
		t := trail.NewTrigger(e.trail.SessionID(), trail.KindBudgetPressure, src, src+1, now)
		t.ItemIDs = ids
		t.Forced = forced
		t.TokensToFree = remaining
		t.Reason = fmt.Sprintf("free %d tokens", remaining)
		out = append(out, t)
		remaining -= planned
	}
	return out
}

func estimateFreed(src trail.Tier, tokens int) int {
	if src+1 == trail.TierArchived {
		return tokens
	}
	return tokens - tokens/summaryRatio
}

// Preview reports the triggers that aging would fire now and how many
// tokens tiers 3 and 4 could give back. It changes nothing.
func (e *Engine) Preview() Preview {
	now := e.now()
	p := Preview{Triggers: e.PlanAging(now)}
	if p.Triggers == nil {
		p.Triggers = []trail.Trigger{}
	}
	for _, src := range []trail.Tier{trail.TierRecent, trail.TierHistorical} {
		for _, it := range e.trail.Items(src) {
			p.TokensFreeable += estimateFreed(src, it.Tokens)
		}
	}
	for _, t := range trail.LiveTiers {
		if over := e.trail.Overflow(t); over > 0 {
			if p.Overflow == nil {
				p.Overflow = make(map[string]int)
			}
			p.Overflow[t.String()] = over
		}
	}
	return p
}

// ─── Applying ────────────────────────────────────────────────────────────────

// Submit implements budget.TriggerSink. Pressure triggers without a source
// tier are expanded into concrete plans.
func (e *Engine) Submit(t trail.Trigger) {
	results, err := e.Apply(t)
	if err != nil {
		e.log.Warn("compression trigger failed",
			zap.String("trigger", t.ID), zap.String("kind", string(t.Kind)), zap.Error(err))
		return
	}
	freed := 0
	for _, r := range results {
		freed += r.TokensFreed
	}
	e.log.Info("compression applied",
		zap.String("session", t.SessionID),
		zap.String("kind", string(t.Kind)),
		zap.Bool("forced", t.Forced),
		zap.Int("requested", t.TokensToFree),
		zap.Int("freed", freed))
}

// Apply executes a trigger. A pressure trigger with no source tier is
// expanded via PlanPressure; every other trigger is applied as given.
func (e *Engine) Apply(t trail.Trigger) ([]Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Kind == trail.KindBudgetPressure && t.SourceTier == 0 {
		var results []Result
		for _, planned := range e.PlanPressure(t.TokensToFree, t.Forced, e.now()) {
			planned.BudgetStatus = t.BudgetStatus
			r, err := e.applyOne(planned)
			if err != nil {
				return results, err
			}
			results = append(results, r)
		}
		return results, nil
	}
	r, err := e.applyOne(t)
	if err != nil {
		return nil, err
	}
	return []Result{r}, nil
}

func (e *Engine) applyOne(t trail.Trigger) (Result, error) {
	if err := t.Validate(); err != nil {
		return Result{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	items, err := e.resolve(t)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		return Result{Trigger: t}, nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	t.ItemIDs = ids

	// Archive first: once this loop finishes the originals are durable.
	res := Result{Trigger: t}
	refs := make([]trail.ArchiveRef, 0, len(items))
	sourceTokens := 0
	for _, it := range items {
		a, err := e.archive.Put(archive.PutParams{SessionID: t.SessionID, Item: it, TriggerID: t.ID})
		if err != nil {
			return Result{}, fmt.Errorf("compression: archiving %s: %w", it.ID, err)
		}
		res.ArchiveIDs = append(res.ArchiveIDs, a.ID)
		refs = append(refs, trail.ArchiveRef{
			ItemID:     it.ID,
			ArchiveID:  a.ID,
			FromTier:   it.Tier,
			Tokens:     it.Tokens,
			TriggerID:  t.ID,
			ArchivedAt: e.now(),
		})
		sourceTokens += it.Tokens
	}

	var replacement *trail.Item
	if t.TargetTier != trail.TierArchived {
		limit := min(t.TargetTier.Ceiling(), max(sourceTokens/summaryRatio, summaryFloor))
		summary := e.summarizer.Summarize(items, limit)
		replacement = &trail.Item{
			Tier:       t.TargetTier,
			Content:    summary,
			Tokens:     e.counter.Count(summary),
			Key:        slices.ContainsFunc(items, func(it trail.Item) bool { return it.Key }),
			State:      trail.StateCompressed,
			CreatedAt:  e.now(),
			MergedFrom: ids,
		}
	}

	if err := e.trail.Replace(t.SourceTier, ids, replacement); err != nil {
		return Result{}, fmt.Errorf("compression: %w", err)
	}
	if err := e.trail.RecordArchived(refs...); err != nil {
		return Result{}, fmt.Errorf("compression: %w", err)
	}

	res.TokensFreed = sourceTokens
	if replacement != nil {
		res.TokensFreed = max(sourceTokens-replacement.Tokens, 0)
		if merged := e.findMerged(t.TargetTier, ids); merged != "" {
			res.SummaryID = merged
		}
	}

	if err := e.archive.LogTrigger(t, archive.Outcome{
		TokensFreed: res.TokensFreed,
		ArchiveIDs:  res.ArchiveIDs,
		SummaryID:   res.SummaryID,
	}); err != nil {
		e.log.Warn("compression audit log write failed", zap.String("trigger", t.ID), zap.Error(err))
	}

	if e.releaser != nil && res.TokensFreed > 0 {
		e.releaser.Release(budget.PoolHistory, res.TokensFreed)
	}
	return res, nil
}

// resolve returns the trigger's items, all of which must sit in the
// source tier. An empty ID list selects the whole tier.
func (e *Engine) resolve(t trail.Trigger) ([]trail.Item, error) {
	inTier := e.trail.Items(t.SourceTier)
	if len(t.ItemIDs) == 0 {
		return inTier, nil
	}
	byID := make(map[string]trail.Item, len(inTier))
	for _, it := range inTier {
		byID[it.ID] = it
	}
	out := make([]trail.Item, 0, len(t.ItemIDs))
	for _, id := range t.ItemIDs {
		it, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("compression: %s not in %s: %w", id, t.SourceTier, trail.ErrItemNotFound)
		}
		out = append(out, it)
	}
	return out, nil
}

func (e *Engine) findMerged(tier trail.Tier, ids []string) string {
	for _, it := range e.trail.Items(tier) {
		if slices.Equal(it.MergedFrom, ids) {
			return it.ID
		}
	}
	return ""
}

// Request applies an explicit user request to compress tier. ids may be
// empty to compress the whole tier.
func (e *Engine) Request(tier trail.Tier, ids []string, reason string) (Result, error) {
	if tier == trail.TierHead {
		return Result{}, fmt.Errorf("compression: %w", trail.ErrTier1Immutable)
	}
	if !tier.Compressible(true) {
		return Result{}, fmt.Errorf("compression: %s cannot be compressed", tier)
	}
	t := trail.NewTrigger(e.trail.SessionID(), trail.KindUserRequest, tier, tier+1, e.now())
	t.ItemIDs = ids
	t.Reason = reason
	return e.applyOne(t)
}

// Sweep marks aged items and applies every age trigger due now.
func (e *Engine) Sweep() ([]Result, error) {
	now := e.now()
	if _, err := e.trail.MarkAged(e.policy); err != nil {
		return nil, err
	}
	var results []Result
	var errs []error
	for _, t := range e.PlanAging(now) {
		r, err := e.applyOne(t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}
