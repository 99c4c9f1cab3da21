package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/HendryAvila/papertrail/internal/budget"
	"github.com/HendryAvila/papertrail/internal/compression"
	"github.com/HendryAvila/papertrail/internal/vault"
	"github.com/HendryAvila/papertrail/internal/watcher"
)

// vaultTargetID names the single vault target.
const vaultTargetID = "vault"

// SweepReport is the outcome of one aging sweep.
type SweepReport struct {
	Sessions    int                             `json:"sessions"`
	TokensFreed int                             `json:"tokens_freed"`
	Applied     map[string][]compression.Result `json:"applied,omitempty"`
}

// Sweep applies the due age triggers of every persisted session. A
// session that fails does not stop the others.
func (e *Engine) Sweep() (*SweepReport, error) {
	records, err := e.sessions.List()
	if err != nil {
		return nil, err
	}
	rep := &SweepReport{Applied: map[string][]compression.Result{}}
	var errs []error
	for _, rec := range records {
		s, err := e.session(rec.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rep.Sessions++
		results, err := s.compression.Sweep()
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", rec.ID, err))
		}
		if len(results) > 0 {
			rep.Applied[rec.ID] = results
			for _, r := range results {
				rep.TokensFreed += r.TokensFreed
			}
		}
		if err := e.saveRecord(s); err != nil {
			errs = append(errs, err)
		}
	}
	return rep, errors.Join(errs...)
}

// RunSweeper sweeps on the configured cron schedule until ctx is done. An
// empty schedule disables it.
func (e *Engine) RunSweeper(ctx context.Context) error {
	expr := e.cfg.Compression.SweepSchedule
	if expr == "" {
		return nil
	}
	for {
		next, err := gronx.NextTickAfter(expr, e.now(), false)
		if err != nil {
			return fmt.Errorf("engine: sweep schedule %q: %w", expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		rep, err := e.Sweep()
		if err != nil {
			e.log.Warn("sweep finished with errors", zap.Error(err))
		}
		if rep != nil {
			e.log.Info("sweep finished",
				zap.Int("sessions", rep.Sessions),
				zap.Int("tokens_freed", rep.TokensFreed))
		}
	}
}

// Watch delivers filesystem notifications for the vault and every open
// session to HandleNotification until ctx is done or the engine is
// closed. It returns nil when watching is disabled.
func (e *Engine) Watch(ctx context.Context) error {
	if !e.cfg.Watcher.Enabled {
		return nil
	}
	w, err := watcher.New(watcher.Options{
		Debounce: e.cfg.Watcher.Debounce,
		Logger:   e.log.Named("watcher"),
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.watch != nil {
		e.mu.Unlock()
		w.Stop()
		return errors.New("engine: already watching")
	}
	e.watch = w
	e.mu.Unlock()

	if root := e.vault.Root(); root != "" {
		if err := w.Add(watcher.Target{Kind: watcher.KindVault, ID: vaultTargetID, Path: root}); err != nil {
			e.log.Warn("vault not watched", zap.String("path", root), zap.Error(err))
		}
	}
	for _, id := range e.openIDs() {
		e.watchSession(w, id)
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		w.Stop()
	}()

	for n := range w.Notifications() {
		if err := e.HandleNotification(ctx, n); err != nil {
			e.log.Warn("handling change notification",
				zap.String("kind", string(n.Kind)), zap.String("id", n.ID), zap.Error(err))
		}
	}

	e.mu.Lock()
	if e.watch == w {
		e.watch = nil
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) watchSession(w *watcher.Watcher, id string) {
	dir := e.sessions.Dir(id)
	if err := w.Add(watcher.Target{Kind: watcher.KindSession, ID: id, Path: dir}); err != nil {
		e.log.Warn("session not watched", zap.String("session", id), zap.Error(err))
	}
}

// HandleNotification re-reads what a notification says changed: the
// vault is re-indexed, an open session reloads its trail and record.
// Sessions that are not open are ignored.
func (e *Engine) HandleNotification(ctx context.Context, n watcher.Notification) error {
	switch n.Kind {
	case watcher.KindVault:
		stats, err := e.RebuildVault(ctx)
		if err != nil {
			if errors.Is(err, vault.ErrNotConfigured) {
				return nil
			}
			return err
		}
		e.log.Info("vault reindexed",
			zap.Int("notes", stats.Notes),
			zap.Int("changed_paths", len(n.Paths)),
			zap.Int("build_errors", len(stats.Errors)))
		return nil

	case watcher.KindSession:
		e.mu.RLock()
		s, ok := e.live[n.ID]
		e.mu.RUnlock()
		if !ok {
			return nil
		}
		if err := s.trail.Reload(); err != nil {
			return err
		}
		return e.reloadRecord(s)
	}
	return fmt.Errorf("engine: unknown notification kind %q", n.Kind)
}

// reloadRecord applies an external edit of the session record. The read
// happens under s.mu, which also covers saveRecord, so the file seen here
// is either this engine's last write (skipped) or someone else's.
func (e *Engine) reloadRecord(s *liveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := e.sessions.Load(s.record.ID)
	if err != nil {
		return err
	}
	if rec.Checksum == s.synced {
		return nil
	}
	if rec.Classification != s.record.Classification {
		if err := s.budget.Reclassify(rec.Classification); err != nil {
			return err
		}
	}
	if rec.Consumed == nil {
		rec.Consumed = map[budget.Pool]int{}
	}
	s.record = rec
	s.synced = rec.Checksum
	s.budget.Restore(rec.Consumed)
	e.log.Info("session record reloaded", zap.String("session", rec.ID))
	return nil
}
