// Package store defines the transactional storage abstraction
// and two implementations: an in-memory store (MemoryStore) and a
// PostgreSQL-backed store (PostgresStore).
package store

import (
	"time"

	"github.com/auroradata-ai/rendezvous/internal/gate"
	"github.com/auroradata-ai/rendezvous/internal/ids"
)

// PoolStatus is the stored (not effective) lifecycle status of a pool.
type PoolStatus string

const (
	StatusOpen   PoolStatus = "open"
	StatusCommit PoolStatus = "commit"
	StatusReveal PoolStatus = "reveal"
	StatusClosed PoolStatus = "closed"
)

// Pool is a matching pool.
type Pool struct {
	ID                    ids.PoolID
	Name                  string
	Description           string
	CreatorAgreementKey   []byte // 32 bytes, used for match-token math
	CreatorSigningKey     []byte // 32 bytes Ed25519 public key, immutable, for admin auth
	CommitDeadline        *time.Time
	RevealDeadline        time.Time
	Gate                  gate.Node
	MaxPreferences        *int
	Ephemeral             bool
	RequiresInviteToJoin  bool
	Status                PoolStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
	PSISetupID            *ids.PoolID // set once an owner PSI setup exists for this pool
}

// Participant is a registered member of a pool, keyed by (PoolID, AgreementKey).
type Participant struct {
	PoolID        ids.PoolID
	AgreementKey  []byte // 32 bytes
	DisplayName   string
	Bio           string
	Profile       map[string]string
	RegisteredAt  time.Time
}

// Preference is one submitted token, owned by (PoolID, Nullifier) — never by
// a participant record, so it cannot be linked back to who submitted it.
// Decoy tokens (internal/submission's padding) are stored as ordinary
// Preference rows with no marker distinguishing them from a real selection:
// anyone with store access, including the service itself, cannot tell real
// tokens from decoys without already knowing which token they submitted.
type Preference struct {
	PoolID          ids.PoolID
	Nullifier       []byte // 32 bytes
	MatchToken      []byte // 32 bytes
	CommitHash      []byte // 32 bytes, nil outside commit phase
	Revealed        bool
	SubmittedAt     time.Time
	IssuanceProofID string // opaque reference, may be empty
	EncryptedReveal []byte // sealed reveal-on-match payload, may be nil
}

// MatchResult is the single append-once-per-pool record of detected matches.
type MatchResult struct {
	PoolID           ids.PoolID
	MatchedTokens    [][]byte
	TotalSubmissions int
	ParticipantCount int
	DetectedAt       time.Time
	ContentHash      []byte
	Attestation      *Attestation
}

// Attestation is an external timestamp-attestation certificate.
type Attestation struct {
	Hash       []byte
	Timestamp  int64
	NetworkID  string
	Sequence   uint64
	Witnesses  []WitnessSignature // either this...
	Aggregate  []byte             // ...or this plus SignerIDs
	SignerIDs  []string
}

// WitnessSignature is one witness's signature over an attestation hash.
type WitnessSignature struct {
	WitnessID string
	Signature []byte
}

// PSISetup is the owner's published PSI setup for a pool.
type PSISetup struct {
	PoolID            ids.PoolID
	SetupMessage      []byte
	SealedServerKey   []byte // server secret, sealed to OwnerPublicKey
	OwnerPublicKey    []byte
	FalsePositiveRate float64
	MaxClientElements int
	Structure         string // data-structure variant tag
}

// PSIRequestStatus is the monotone lifecycle of a pending PSI request.
type PSIRequestStatus string

const (
	PSIPending    PSIRequestStatus = "pending"
	PSIProcessing PSIRequestStatus = "processing"
	PSICompleted  PSIRequestStatus = "completed"
	PSIExpired    PSIRequestStatus = "expired"
)

// PendingPSIRequest is a queued client PSI query awaiting owner processing.
type PendingPSIRequest struct {
	ID              ids.RequestID
	PoolID          ids.PoolID
	ClientRequest   []byte
	Status          PSIRequestStatus
	CreatedAt       time.Time
	AuthTokenHash   []byte // hash of the auth token used, if any
}

// PSIResponseRecord is the owner's processed response to a PSI request.
type PSIResponseRecord struct {
	RequestID    ids.RequestID
	PoolID       ids.PoolID
	SetupMessage []byte
	Response     []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// FederatedPoolMetadata is a pool summary replicated across instances.
type FederatedPoolMetadata struct {
	PoolID               ids.PoolID
	Name                 string
	OwnerInstanceID      ids.InstanceID
	OwnerAgreementKey    []byte
	RevealDeadline       time.Time
	Status               PoolStatus
	UpdatedAt            time.Time
}

// InstanceRecord describes one federation peer.
type InstanceRecord struct {
	ID        ids.InstanceID
	Name      string
	Endpoint  string
	PublicKey []byte // signing public key used in the federation handshake
}
