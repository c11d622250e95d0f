package types

import (
	"encoding/hex"
	"fmt"

	"github.com/tolelom/dagbft/crypto"
)

// TransmissionKind distinguishes a prover's puzzle solution from a
// client's transaction, the two atomic units clients submit.
type TransmissionKind uint8

const (
	KindTransaction TransmissionKind = iota
	KindSolution
)

func (k TransmissionKind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindSolution:
		return "solution"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// TransmissionID is a tagged identifier: a kind, a
// content-derived id, and a checksum binding the two together so that an
// id cannot be replayed against a different payload.
type TransmissionID struct {
	Kind      TransmissionKind `json:"kind"`
	ContentID string           `json:"content_id"`
	Checksum  string           `json:"checksum"`
}

// String renders a TransmissionID as a stable map key / log field.
func (id TransmissionID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Kind, id.ContentID, id.Checksum)
}

// Transmission is a solution or a transaction: an opaque payload plus a
// content identifier that is a deterministic function of the payload
// bytes.
type Transmission struct {
	ID      TransmissionID `json:"id"`
	Payload []byte         `json:"payload"`
}

// MaxTransmissionBytes bounds a single transmission's payload, enforced
// by the pool's well-formedness check.
const MaxTransmissionBytes = 256 * 1024

// ComputeContentID derives the deterministic content id for payload: the
// hex-encoded SHA-256 hash of the kind tag and the payload bytes.
func ComputeContentID(kind TransmissionKind, payload []byte) string {
	return crypto.Hash(append([]byte{byte(kind)}, payload...))
}

// ComputeChecksum derives the checksum binding an id to its payload.
// Distinct from ContentID so a forged id with a matching content hash
// but mismatched checksum is still caught.
func ComputeChecksum(id TransmissionID, payload []byte) string {
	buf := make([]byte, 0, len(id.ContentID)+len(payload)+1)
	buf = append(buf, byte(id.Kind))
	buf = append(buf, []byte(id.ContentID)...)
	buf = append(buf, payload...)
	return crypto.Hash(buf)
}

// NewTransmissionID builds and checksums a TransmissionID for payload.
func NewTransmissionID(kind TransmissionKind, payload []byte) TransmissionID {
	id := TransmissionID{Kind: kind, ContentID: ComputeContentID(kind, payload)}
	id.Checksum = ComputeChecksum(id, payload)
	return id
}

// Validate performs the cheap well-formedness check run before admitting
// a transmission into the pool: size bound and id-to-payload consistency.
func (t *Transmission) Validate() error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrProtocolViolation)
	}
	if len(t.Payload) > MaxTransmissionBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds cap %d", ErrProtocolViolation, len(t.Payload), MaxTransmissionBytes)
	}
	wantContentID := ComputeContentID(t.ID.Kind, t.Payload)
	if t.ID.ContentID != wantContentID {
		return fmt.Errorf("%w: content id mismatch", ErrProtocolViolation)
	}
	wantChecksum := ComputeChecksum(t.ID, t.Payload)
	if t.ID.Checksum != wantChecksum {
		return fmt.Errorf("%w: checksum mismatch", ErrProtocolViolation)
	}
	return nil
}

// HexPayload is a debugging convenience; not used on any hot path.
func (t *Transmission) HexPayload() string {
	return hex.EncodeToString(t.Payload)
}
