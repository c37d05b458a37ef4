package federation

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
	"github.com/auroradata-ai/rendezvous/internal/store"
)

// Kind discriminates a federation message's shape.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindSync         Kind = "sync"
	KindPoolAnnounce Kind = "pool_announce"
	KindPoolUpdate   Kind = "pool_update"
	KindResultNotify Kind = "result_notify"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindJoinResponse Kind = "join_response"

	// Anonymous: carry an auth token instead of a sender instance id.
	KindTokenRelay  Kind = "token_relay"
	KindJoinRequest Kind = "join_request"
)

var identifiedKinds = map[Kind]bool{
	KindHandshake:    true,
	KindSync:         true,
	KindPoolAnnounce: true,
	KindPoolUpdate:   true,
	KindResultNotify: true,
	KindPing:         true,
	KindPong:         true,
	KindJoinResponse: true,
}

// IsIdentified reports whether k's wire shape carries a sender instance id
// (true) or an anonymous auth token (false).
func IsIdentified(k Kind) bool { return identifiedKinds[k] }

// Snapshot is the wire shape of a full or incremental document sync.
type Snapshot struct {
	Instances []SyncInstance `json:"instances"`
	Pools     []SyncPool     `json:"pools"`
	Version   uint64         `json:"version"`
}

// SyncInstance pairs an instance record with a clock per mutable field, so
// Merge can accept a newer Endpoint from one peer without discarding a
// newer Name written by another.
type SyncInstance struct {
	Record store.InstanceRecord `json:"record"`
	Clocks instanceClocks       `json:"clocks"`
}

// SyncPool pairs pool metadata with a clock per mutable field.
type SyncPool struct {
	Meta   store.FederatedPoolMetadata `json:"meta"`
	Clocks poolClocks                  `json:"clocks"`
}

// Envelope is the single wire shape carried over the transport for every
// message kind. Exactly one of SenderID (identified) or AuthToken
// (anonymous) is populated, per the kind's shape.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	MessageID string         `json:"message_id"`
	SenderID  *ids.InstanceID `json:"sender_id,omitempty"`
	AuthToken *gate.TokenProof `json:"auth_token,omitempty"`

	Handshake    *HandshakePayload    `json:"handshake,omitempty"`
	Sync         *Snapshot            `json:"sync,omitempty"`
	PoolAnnounce *store.FederatedPoolMetadata `json:"pool_announce,omitempty"`
	ResultNotify *ResultNotifyPayload `json:"result_notify,omitempty"`
	JoinRequest  *JoinRequestPayload  `json:"join_request,omitempty"`
	JoinResponse *JoinResponsePayload `json:"join_response,omitempty"`
	TokenRelay   *TokenRelayPayload   `json:"token_relay,omitempty"`
}

// HandshakePayload carries the sending instance's own record.
type HandshakePayload struct {
	Instance store.InstanceRecord `json:"instance"`
}

// ResultNotifyPayload announces that a pool's match result is ready.
type ResultNotifyPayload struct {
	PoolID      ids.PoolID `json:"pool_id"`
	ContentHash []byte     `json:"content_hash"`
}

// JoinRequestPayload is A's request to join a pool owned by the recipient.
// PublicKey is cleartext (needed for eligibility and routing); everything
// else is opaque to any intermediary.
type JoinRequestPayload struct {
	PoolID          ids.PoolID `json:"pool_id"`
	PublicKey       []byte     `json:"public_key"`
	EncryptedPayload []byte    `json:"encrypted_payload"`
}

// JoinResponsePayload answers a join_request, correlated by message id.
type JoinResponsePayload struct {
	RequestMessageID string `json:"request_message_id"`
	Accepted         bool   `json:"accepted"`
	Reason           string `json:"reason,omitempty"`
}

// TokenRelayPayload carries A's computed tokens and nullifier for relay to
// the owning instance B's local submission manager.
type TokenRelayPayload struct {
	PoolID     ids.PoolID `json:"pool_id"`
	MatchTokens [][]byte  `json:"match_tokens"`
	Nullifier  []byte     `json:"nullifier"`
}

// JoinRequestSoftTimeout is how long a caller should wait for a
// join_response before treating the request as timed out.
const JoinRequestTimeout = 30 * time.Second

// randDuration returns a uniformly random duration in [min, max]. Falls
// back to min if max <= min or the CSPRNG read fails.
func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	n, err := rand.Int(rand.Reader, big.NewInt(span+1))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}

// BaseJitter returns the per-send jitter every peer message incurs, in
// [minMS, maxMS].
func BaseJitter(minMS, maxMS int) time.Duration {
	return randDuration(time.Duration(minMS)*time.Millisecond, time.Duration(maxMS)*time.Millisecond)
}

// RelayJitter returns the token-relay-specific jitter, in [minSec, maxSec].
func RelayJitter(minSec, maxSec int) time.Duration {
	return randDuration(time.Duration(minSec)*time.Second, time.Duration(maxSec)*time.Second)
}

func newMessageID() string { return ids.New().String() }
