package federation

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/config"
)

// PeerLimiter enforces the connection-security policy for inbound peer
// connections: an optional IP allow-list and a per-IP rate limit, scoped to
// what federation's raw TCP listener needs.
type PeerLimiter struct {
	cfg *config.Config

	mu           sync.Mutex
	currentConns int
	rateLimit    map[string]*rateWindow
}

type rateWindow struct {
	count     int
	resetTime time.Time
}

// NewPeerLimiter constructs a PeerLimiter from the federation/security
// sections of cfg. A nil cfg disables all limits.
func NewPeerLimiter(cfg *config.Config) *PeerLimiter {
	return &PeerLimiter{cfg: cfg, rateLimit: make(map[string]*rateWindow)}
}

// Allow checks remoteAddr against the IP allow-list and per-IP rate limit,
// and tracks the connection count. Callers should call Release when the
// connection ends.
func (l *PeerLimiter) Allow(remoteAddr string) error {
	if l.cfg == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.Security.RequireIPCheck && !l.allowedLocked(host) {
		return fmt.Errorf("peer %s not in allowed_ips", host)
	}
	if l.cfg.Security.MaxConnections > 0 && l.currentConns >= l.cfg.Security.MaxConnections {
		return fmt.Errorf("max federation connections reached")
	}
	if err := l.checkRateLimitLocked(host); err != nil {
		return err
	}

	l.currentConns++
	return nil
}

// Release decrements the tracked connection count.
func (l *PeerLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentConns > 0 {
		l.currentConns--
	}
}

func (l *PeerLimiter) allowedLocked(host string) bool {
	for _, allowed := range l.cfg.Security.AllowedIPs {
		if allowed == host {
			return true
		}
	}
	return false
}

func (l *PeerLimiter) checkRateLimitLocked(host string) error {
	if l.cfg.Security.RateLimitPerMin <= 0 {
		return nil
	}
	now := time.Now()
	w, exists := l.rateLimit[host]
	if !exists || now.After(w.resetTime) {
		l.rateLimit[host] = &rateWindow{count: 1, resetTime: now.Add(time.Minute)}
		return nil
	}
	if w.count >= l.cfg.Security.RateLimitPerMin {
		return fmt.Errorf("rate limit exceeded for peer %s", host)
	}
	w.count++
	return nil
}

// Stats returns a small snapshot for diagnostics/CLI display.
func (l *PeerLimiter) Stats() (currentConnections, monitoredIPs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentConns, len(l.rateLimit)
}
