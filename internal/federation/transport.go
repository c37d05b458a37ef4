package federation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/ids"
)

// Conn is one bidirectional message stream to a peer: newline-delimited
// JSON envelopes over a net.Conn, the same line-framed-over-TCP idiom the
// core's original sender/receiver exchange used, generalized from a
// single-shot key exchange to a long-lived duplex stream.
type Conn struct {
	mu     sync.Mutex
	nc     net.Conn
	w      *bufio.Writer
	scan   *bufio.Scanner
}

// NewConn wraps an established net.Conn for envelope framing.
func NewConn(nc net.Conn) *Conn {
	scan := bufio.NewScanner(nc)
	scan.Buffer(make([]byte, 4096), 4*1024*1024)
	return &Conn{nc: nc, w: bufio.NewWriter(nc), scan: scan}
}

// Send writes one envelope as a single JSON line.
func (c *Conn) Send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv reads the next envelope, blocking until one arrives or the
// connection closes.
func (c *Conn) Recv() (Envelope, error) {
	if !c.scan.Scan() {
		if err := c.scan.Err(); err != nil {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("federation: connection closed")
	}
	var env Envelope
	if err := json.Unmarshal(c.scan.Bytes(), &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// SetDeadline sets the read/write deadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// PeerState tracks one federation peer's connection liveness and per-peer
// sync progress.
type PeerState struct {
	mu sync.Mutex

	Instance   *ids.InstanceID
	Connected  bool
	LastPing   time.Time
	RetryCount int
	SyncedTo   uint64 // highest document version this peer is known to have

	conn *Conn
}

// NextBackoff returns an exponential-ish reconnect delay keyed on
// RetryCount, capped at 5 minutes.
func (p *PeerState) NextBackoff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := time.Second
	d := base << uint(min(p.RetryCount, 8))
	ceiling := 5 * time.Minute
	if d > ceiling || d <= 0 {
		d = ceiling
	}
	return d
}

func (p *PeerState) markConnected(conn *Conn, instance ids.InstanceID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
	p.Instance = &instance
	p.Connected = true
	p.RetryCount = 0
	p.LastPing = time.Now()
}

func (p *PeerState) markDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = nil
	p.Connected = false
	p.RetryCount++
}
