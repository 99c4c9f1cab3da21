// Package engine is the context and memory engine behind every command
// surface. It owns the resources shared across sessions (token counter,
// vault index, document store, archive) and a registry of open sessions,
// each with its own paper trail, budget allocator and compression engine.
//
// The engine is the only place where these components are wired
// together: the allocator submits its triggers to the session's
// compression engine, which returns freed tokens to the allocator.
package engine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/archive"
	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/classify"
	"github.com/HendryAvila/papertrail/internal/compression"
	"github.com/HendryAvila/papertrail/internal/config"
	"github.com/HendryAvila/papertrail/internal/documents"
	"github.com/HendryAvila/papertrail/internal/session"
	"github.com/HendryAvila/papertrail/internal/tokens"
	"github.com/HendryAvila/papertrail/internal/trail"
	"github.com/HendryAvila/papertrail/internal/vault"
	"github.com/HendryAvila/papertrail/internal/watcher"
)

var (
	// ErrSessionNotFound is returned for sessions that were never opened.
	ErrSessionNotFound = session.ErrNotFound
	// ErrInvalidSessionID is returned for IDs that are not safe names.
	ErrInvalidSessionID = session.ErrInvalidID
)

// Options configures an Engine.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Counter overrides the counter built from Config.Tokens.
	Counter *tokens.Counter
	Now     func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	counter  *tokens.Counter
	sessions *session.FileStore
	archive  *archive.Store
	vault    *vault.Index
	docs     *documents.Store

	mu    sync.RWMutex
	live  map[string]*liveSession
	watch *watcher.Watcher
}

// liveSession is an open session. Its components each guard their own
// state; mu only serializes writes of the record.
type liveSession struct {
	mu          sync.Mutex
	record      *session.Record
	synced      string // checksum of the record file this engine last wrote or read
	trail       *trail.Store
	budget      *budget.Allocator
	compression *compression.Engine
}

// New opens the engine's stores under cfg.DataDir. The vault is not
// indexed until RebuildVault is called.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("engine: creating sessions dir: %w", err)
	}
	arch, err := archive.New(archive.DefaultConfig(cfg.ArchiveDir()))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	counter := opts.Counter
	if counter == nil {
		counter = tokens.NewCounter(tokens.Options{
			Encoding:     cfg.Tokens.Encoding,
			CacheSize:    cfg.Tokens.CacheSize,
			EstimateOnly: cfg.Tokens.Estimate,
			Logger:       log.Named("tokens"),
		})
	}

	chunker := documents.NewChunker(counter, documents.Options{
		FullThreshold:    cfg.Documents.FullThreshold,
		SummaryThreshold: cfg.Documents.SummaryThreshold,
		ChunkTarget:      cfg.Documents.ChunkTarget,
	})

	return &Engine{
		cfg:      cfg,
		log:      log,
		now:      now,
		counter:  counter,
		sessions: session.NewFileStore(cfg.SessionsDir()),
		archive:  arch,
		vault:    vault.New(cfg.VaultPath, vault.Options{Counter: counter, Logger: log.Named("vault")}),
		docs: documents.NewStore(documents.StoreConfig{
			Root:         cfg.SessionsDir(),
			MaxFileBytes: cfg.Documents.MaxFileBytes,
			Chunker:      chunker,
			Logger:       log.Named("documents"),
		}),
		live: make(map[string]*liveSession),
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Close saves every open session and closes the archive.
func (e *Engine) Close() error {
	e.mu.Lock()
	w := e.watch
	e.watch = nil
	live := make([]*liveSession, 0, len(e.live))
	for _, s := range e.live {
		live = append(live, s)
	}
	e.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	var errs []error
	for _, s := range live {
		if err := e.saveRecord(s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.archive.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// OpenParams describes a session to open.
type OpenParams struct {
	ID        string             `json:"id"`
	Signature classify.Signature `json:"signature"`
	// Classification overrides the classifier when set.
	Classification budget.Classification `json:"classification,omitempty"`
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID             string                `json:"id"`
	Created        bool                  `json:"created"`
	Classification budget.Classification `json:"classification"`
	Label          string                `json:"label"`
	Score          float64               `json:"score"`
	MatchedID      string                `json:"matched_id,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Budget         budget.Report         `json:"budget"`
	TrailTokens    map[string]int        `json:"trail_tokens"`
	Documents      int                   `json:"documents"`
}

// OpenSession opens p.ID, creating and classifying it when it does not
// exist yet. Classification happens once; reopening keeps the stored one
// unless p.Classification overrides it.
func (e *Engine) OpenSession(p OpenParams) (*SessionInfo, error) {
	if err := session.ValidateID(p.ID); err != nil {
		return nil, err
	}
	if p.Classification != "" && !p.Classification.Valid() {
		return nil, fmt.Errorf("engine: unknown classification %q", p.Classification)
	}

	s, err := e.session(p.ID)
	switch {
	case err == nil:
		if p.Classification != "" && p.Classification != s.budget.Classification() {
			if err := e.reclassify(s, classify.Result{
				Classification: p.Classification,
				Label:          p.Classification.Label(),
				Reason:         "caller override",
			}); err != nil {
				return nil, err
			}
		}
		return e.info(s, false, ""), nil
	case !errors.Is(err, ErrSessionNotFound):
		return nil, err
	}

	res := e.Classify(p.Signature, p.ID)
	if p.Classification != "" {
		res = classify.Result{
			Classification: p.Classification,
			Label:          p.Classification.Label(),
			Reason:         "caller override",
		}
	}
	rec := &session.Record{
		ID:             p.ID,
		Signature:      p.Signature,
		Classification: res.Classification,
		Score:          res.Score,
		MatchedID:      res.MatchedID,
		Consumed:       map[budget.Pool]int{},
	}
	if err := e.sessions.Create(rec); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	s, err = e.load(rec)
	if err != nil {
		return nil, err
	}
	s = e.register(s)
	e.log.Info("session opened",
		zap.String("session", p.ID),
		zap.String("classification", string(res.Classification)),
		zap.Float64("score", res.Score))
	return e.info(s, true, res.Reason), nil
}

// Session reports on an existing session, loading it from disk if needed.
func (e *Engine) Session(id string) (*SessionInfo, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	return e.info(s, false, ""), nil
}

// Sessions lists the persisted session records, most recent first.
func (e *Engine) Sessions() ([]session.Record, error) {
	return e.sessions.List()
}

// Classify scores sig against the paper trails of every session other
// than exclude. It changes nothing.
func (e *Engine) Classify(sig classify.Signature, exclude string) classify.Result {
	known, history := e.knowledge(exclude)
	sig.HasPriorHistory = sig.HasPriorHistory || history
	return classify.Classify(sig, known)
}

// Reclassify re-runs the classifier for an open session and applies the
// new allocation table. Consumption is kept.
func (e *Engine) Reclassify(id string, sig classify.Signature) (*SessionInfo, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.record.Signature = sig
	s.mu.Unlock()
	res := e.Classify(sig, id)
	if err := e.reclassify(s, res); err != nil {
		return nil, err
	}
	return e.info(s, false, res.Reason), nil
}

func (e *Engine) reclassify(s *liveSession, res classify.Result) error {
	if err := s.budget.Reclassify(res.Classification); err != nil {
		return err
	}
	s.mu.Lock()
	s.record.Classification = res.Classification
	s.record.Score = res.Score
	s.record.MatchedID = res.MatchedID
	s.mu.Unlock()
	return e.saveRecord(s)
}

// knowledge gathers tiers 1 and 2 of other sessions plus stored memories.
// The second result reports whether exclude itself already has a paper trail.
func (e *Engine) knowledge(exclude string) (classify.KnowledgeList, bool) {
	records, err := e.sessions.List()
	if err != nil {
		e.log.Warn("listing sessions for classification", zap.Error(err))
	}
	var out classify.KnowledgeList
	for _, rec := range records {
		if rec.ID == exclude {
			continue
		}
		tr, err := e.trailFor(rec.ID)
		if err != nil {
			e.log.Warn("skipping unreadable trail", zap.String("session", rec.ID), zap.Error(err))
			continue
		}
		var b strings.Builder
		b.WriteString(rec.Signature.Text())
		for _, tier := range []trail.Tier{trail.TierHead, trail.TierKeyEvidence} {
			for _, it := range tr.Items(tier) {
				b.WriteString("\n")
				b.WriteString(it.Content)
			}
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			out = append(out, classify.Knowledge{ID: rec.ID, Text: text})
		}
	}
	out = append(out, e.memoryKnowledge(exclude)...)

	history := false
	if exclude != "" && session.ValidateID(exclude) == nil {
		if tr, err := e.trailFor(exclude); err == nil && tr.LiveTokens() > 0 {
			history = true
		}
	}
	return out, history
}

// trailFor returns the live trail of id, or a read-only copy from disk.
func (e *Engine) trailFor(id string) (*trail.Store, error) {
	e.mu.RLock()
	s, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		return s.trail, nil
	}
	return trail.Open(id, e.sessions.Dir(id), e.counter)
}

// session returns the open session id, loading it from disk on first use.
func (e *Engine) session(id string) (*liveSession, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	e.mu.RLock()
	s, ok := e.live[id]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	rec, err := e.sessions.Load(id)
	if err != nil {
		return nil, err
	}
	s, err = e.load(rec)
	if err != nil {
		return nil, err
	}
	return e.register(s), nil
}

// load wires a session's components from its record.
func (e *Engine) load(rec *session.Record) (*liveSession, error) {
	alloc, err := budget.NewAllocator(budget.Config{
		SessionID:      rec.ID,
		Total:          e.cfg.Budget.TotalTokens,
		Reserved:       e.cfg.Budget.ReservedOutput,
		Classification: rec.Classification,
		Now:            e.now,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: session %s: %w", rec.ID, err)
	}
	alloc.Restore(rec.Consumed)

	tr, err := trail.Open(rec.ID, e.sessions.Dir(rec.ID), e.counter, trail.WithClock(e.now))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	comp := compression.New(tr, e.archive, e.counter, compression.Options{
		Policy: trail.AgePolicy{
			Recent:     e.cfg.Compression.RecentMaxAge,
			Historical: e.cfg.Compression.HistoricalMaxAge,
		},
		Releaser: alloc,
		Logger:   e.log.Named("compression").With(zap.String("session", rec.ID)),
		Now:      e.now,
	})
	alloc.SetSink(comp)

	if _, err := e.docs.Load(rec.ID); err != nil {
		e.log.Warn("loading session documents", zap.String("session", rec.ID), zap.Error(err))
	}
	if rec.Consumed == nil {
		rec.Consumed = map[budget.Pool]int{}
	}
	return &liveSession{record: rec, synced: rec.Checksum, trail: tr, budget: alloc, compression: comp}, nil
}

// register adds s to the registry unless another caller won the race,
// in which case the existing session is returned.
func (e *Engine) register(s *liveSession) *liveSession {
	e.mu.Lock()
	if existing, ok := e.live[s.record.ID]; ok {
		e.mu.Unlock()
		return existing
	}
	e.live[s.record.ID] = s
	w := e.watch
	e.mu.Unlock()

	if w != nil {
		e.watchSession(w, s.record.ID)
	}
	return s
}

func (e *Engine) info(s *liveSession, created bool, reason string) *SessionInfo {
	s.mu.Lock()
	rec := *s.record
	s.mu.Unlock()
	byTier := s.trail.TokensByTier()
	trailTokens := make(map[string]int, len(byTier))
	for t, n := range byTier {
		trailTokens[t.String()] = n
	}
	return &SessionInfo{
		ID:             rec.ID,
		Created:        created,
		Classification: s.budget.Classification(),
		Label:          s.budget.Classification().Label(),
		Score:          rec.Score,
		MatchedID:      rec.MatchedID,
		Reason:         reason,
		Budget:         s.budget.Report(),
		TrailTokens:    trailTokens,
		Documents:      len(e.docs.List(rec.ID)),
	}
}

// saveRecord persists the session's classification and consumption.
func (e *Engine) saveRecord(s *liveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Consumed = s.budget.Consumed()
	if err := e.sessions.Save(s.record); err != nil {
		return fmt.Errorf("engine: saving session %s: %w", s.record.ID, err)
	}
	s.synced = s.record.Checksum
	return nil
}

// ─── Budget ──────────────────────────────────────────────────────────────────

// Budget returns the session's budget report. It is read-only.
func (e *Engine) Budget(id string) (budget.Report, error) {
	s, err := e.session(id)
	if err != nil {
		return budget.Report{}, err
	}
	return s.budget.Report(), nil
}

// RecordConsumption charges tokens to a pool of the session. Crossing into
// AUTO_COMPRESS or FORCE_COMPRESS compresses the trail before it returns.
func (e *Engine) RecordConsumption(id string, pool budget.Pool, n int) (budget.Decision, error) {
	s, err := e.session(id)
	if err != nil {
		return budget.Decision{}, err
	}
	d := s.budget.RecordConsumption(pool, n)
	if err := e.saveRecord(s); err != nil {
		return d, err
	}
	return d, nil
}

// ReleaseConsumption gives n tokens back to a pool of the session, for
// content the caller has dropped from its context. It is the way out of
// FORCE_COMPRESS when the paper trail has nothing left to compress.
func (e *Engine) ReleaseConsumption(id string, pool budget.Pool, n int) (budget.Report, error) {
	if n <= 0 {
		return budget.Report{}, fmt.Errorf("engine: release must be positive, got %d", n)
	}
	s, err := e.session(id)
	if err != nil {
		return budget.Report{}, err
	}
	if _, err := budget.ParsePool(string(pool)); err != nil {
		return budget.Report{}, err
	}
	s.budget.Release(pool, n)
	if err := e.saveRecord(s); err != nil {
		return s.budget.Report(), err
	}
	return s.budget.Report(), nil
}

// ─── Compression ─────────────────────────────────────────────────────────────

// CompressionReport is the compression status of a session.
type CompressionReport struct {
	SessionID      string               `json:"session_id"`
	Triggers       []trail.Trigger      `json:"triggers"`
	TokensFreeable int                  `json:"tokensFreeable"`
	Status         budget.Status        `json:"status"`
	Overflow       map[string]int       `json:"overflow,omitempty"`
	Applied        []compression.Result `json:"applied,omitempty"`
	TokensFreed    int                  `json:"tokens_freed,omitempty"`
}

// Compression reports due triggers and freeable tokens. With apply it
// first runs every due age trigger and, when the budget is under
// pressure, a pressure trigger sized to bring usage back to NOMINAL.
func (e *Engine) Compression(id string, apply bool) (*CompressionReport, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}

	var applied []compression.Result
	var errs []error
	if apply {
		res, err := s.compression.Sweep()
		applied = append(applied, res...)
		if err != nil {
			errs = append(errs, err)
		}

		rep := s.budget.Report()
		if rep.Status != budget.StatusNominal {
			t := trail.NewTrigger(id, trail.KindBudgetPressure, 0, 0, e.now())
			t.Forced = rep.Status == budget.StatusForceCompress
			t.BudgetStatus = string(rep.Status)
			t.Reason = "requested while " + string(rep.Status)
			t.TokensToFree = max(rep.Used-int(float64(rep.Total)*budget.AutoCompressAt/100)+1, 1)
			res, err := s.compression.Apply(t)
			applied = append(applied, res...)
			if err != nil {
				errs = append(errs, err)
			}
		}
		if err := e.saveRecord(s); err != nil {
			errs = append(errs, err)
		}
	}

	p := s.compression.Preview()
	out := &CompressionReport{
		SessionID:      id,
		Triggers:       p.Triggers,
		TokensFreeable: p.TokensFreeable,
		Status:         s.budget.Status(),
		Overflow:       p.Overflow,
		Applied:        applied,
	}
	for _, r := range applied {
		out.TokensFreed += r.TokensFreed
	}
	return out, errors.Join(errs...)
}

// RequestCompression applies an explicit user request for tier. Tier 1
// is refused.
func (e *Engine) RequestCompression(id string, tier trail.Tier, ids []string, reason string) (compression.Result, error) {
	s, err := e.session(id)
	if err != nil {
		return compression.Result{}, err
	}
	res, err := s.compression.Request(tier, ids, reason)
	if err != nil {
		return compression.Result{}, err
	}
	return res, e.saveRecord(s)
}

// Triggers returns the compression audit log of a session, oldest first.
func (e *Engine) Triggers(id string) ([]archive.LogEntry, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	return e.archive.Triggers(id)
}

// ─── Paper trail ─────────────────────────────────────────────────────────────

// Append adds content to a live tier of the session's trail.
func (e *Engine) Append(id string, tier trail.Tier, content string, key bool) (trail.Item, error) {
	s, err := e.session(id)
	if err != nil {
		return trail.Item{}, err
	}
	return s.trail.Append(tier, content, key)
}

// TrailItems returns the items of one live tier.
func (e *Engine) TrailItems(id string, tier trail.Tier) ([]trail.Item, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if !tier.Valid() || tier == trail.TierArchived {
		return nil, fmt.Errorf("engine: %s is not a live tier", tier)
	}
	return s.trail.Items(tier), nil
}

// Resurface brings an archived item of the session back as new Tier 3
// content.
func (e *Engine) Resurface(id, archiveID string) (trail.Item, error) {
	s, err := e.session(id)
	if err != nil {
		return trail.Item{}, err
	}
	it, err := e.archive.Get(archiveID)
	if err != nil {
		return trail.Item{}, err
	}
	if it.SessionID != id {
		return trail.Item{}, fmt.Errorf("%w: %s belongs to another session", archive.ErrNotFound, archiveID)
	}
	return s.trail.Resurface(archiveID, it.Content)
}

// SearchArchive runs a full-text query over archived content. An empty
// sessionID searches every session.
func (e *Engine) SearchArchive(query, sessionID string, limit int) ([]archive.SearchResult, error) {
	if sessionID != "" {
		if err := session.ValidateID(sessionID); err != nil {
			return nil, err
		}
	}
	return e.archive.Search(query, archive.SearchOptions{SessionID: sessionID, Limit: limit})
}

// ArchiveStats returns aggregate archive statistics.
func (e *Engine) ArchiveStats() (*archive.Stats, error) {
	return e.archive.Stats()
}

// openIDs lists the open sessions, sorted.
func (e *Engine) openIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
