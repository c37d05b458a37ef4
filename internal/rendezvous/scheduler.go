package rendezvous

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/store"
)

// runScheduler drives the deadline-driven scan: every
// Config.Scheduler.ScanInterval, open and reveal pools whose reveal
// deadline has passed are each given a random privacy delay, then closed,
// detected, and — if ephemeral — had their participants deleted.
func (svc *Service) runScheduler(ctx context.Context) {
	interval := svc.Config.Scheduler.ScanInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			svc.scanDeadlines(ctx)
		}
	}
}

func (svc *Service) scanDeadlines(ctx context.Context) {
	now := time.Now()
	for _, status := range []store.PoolStatus{store.StatusOpen, store.StatusReveal} {
		due, err := svc.Store.ListPoolsByStatus(ctx, status)
		if err != nil {
			svc.log.Warn("scheduler: list pools by status %s: %v", status, err)
			continue
		}
		for _, p := range due {
			if !now.Before(p.RevealDeadline) {
				svc.scheduleClose(ctx, p)
			}
		}
	}
}

func (svc *Service) scheduleClose(ctx context.Context, p *store.Pool) {
	svc.mu.Lock()
	if svc.scheduled[p.ID] {
		svc.mu.Unlock()
		return
	}
	svc.scheduled[p.ID] = true
	svc.mu.Unlock()

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		defer func() {
			svc.mu.Lock()
			delete(svc.scheduled, p.ID)
			svc.mu.Unlock()
		}()

		delay := privacyDelay(svc.Config.Scheduler.PrivacyDelayMinMS, svc.Config.Scheduler.PrivacyDelayMaxMS)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		closed, err := svc.Pools.SyncStatus(ctx, p, time.Now())
		if err != nil {
			svc.log.Warn("scheduler: close pool %s: %v", p.ID, err)
			return
		}
		if _, err := svc.Match.Detect(ctx, closed.ID); err != nil {
			svc.log.Warn("scheduler: detect matches for pool %s: %v", closed.ID, err)
			return
		}
		if closed.Ephemeral {
			if err := svc.Store.DeleteParticipantsByPool(ctx, closed.ID); err != nil {
				svc.log.Warn("scheduler: delete participants for ephemeral pool %s: %v", closed.ID, err)
			}
		}
	}()
}

// privacyDelay returns a uniformly random duration in [minMS, maxMS],
// falling back to a 30s-180s default window when the config leaves both unset.
func privacyDelay(minMS, maxMS int) time.Duration {
	if minMS <= 0 {
		minMS = 30_000
	}
	if maxMS <= 0 || maxMS < minMS {
		maxMS = 180_000
	}
	span := int64(maxMS - minMS + 1)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return time.Duration(minMS) * time.Millisecond
	}
	return time.Duration(minMS+int(n.Int64())) * time.Millisecond
}
