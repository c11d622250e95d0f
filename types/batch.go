package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tolelom/dagbft/crypto"
)

// BatchHeader is the proposer's claim for a round. Its id is
// a deterministic function of these fields alone.
type BatchHeader struct {
	Author              string           `json:"author"`
	Round               uint64           `json:"round"`
	Timestamp           int64            `json:"timestamp"`
	TransmissionIDs      []TransmissionID `json:"transmission_ids"`
	ParentCertificateIDs []string         `json:"parent_certificate_ids"`
	PreviousBlockHash    string           `json:"previous_block_hash,omitempty"`
	Signature            string           `json:"signature"`
}

// Validate checks the structural invariants that do not
// require storage access (round bound, unique transmission ids). Parent
// quorum and round-window checks are validated by the caller, which has
// access to storage and the committee.
func (h *BatchHeader) Validate() error {
	if h.Round < 1 {
		return fmt.Errorf("%w: round must be >= 1, got %d", ErrProtocolViolation, h.Round)
	}
	seen := make(map[string]struct{}, len(h.TransmissionIDs))
	for _, id := range h.TransmissionIDs {
		key := id.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate transmission id %s in header", ErrProtocolViolation, key)
		}
		seen[key] = struct{}{}
	}
	if h.Round > 1 && len(h.ParentCertificateIDs) == 0 {
		return fmt.Errorf("%w: round %d header has no parent certificates", ErrProtocolViolation, h.Round)
	}
	return nil
}

// signingBytes returns the deterministic, length-prefixed encoding of the
// header used both for hashing and for the proposer's signature, so a
// tampered field after signing is always detected.
func (h *BatchHeader) signingBytes() []byte {
	var buf bytes.Buffer
	writeString(&buf, h.Author)
	var roundBuf [8]byte
	binary.BigEndian.PutUint64(roundBuf[:], h.Round)
	buf.Write(roundBuf[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(h.Timestamp))
	buf.Write(tsBuf[:])
	for _, id := range h.TransmissionIDs {
		writeString(&buf, id.String())
	}
	for _, pid := range h.ParentCertificateIDs {
		writeString(&buf, pid)
	}
	writeString(&buf, h.PreviousBlockHash)
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

// HeaderID returns the deterministic hash of the header. The certificate
// id is this same value: a function of the header alone.
func (h *BatchHeader) HeaderID() string {
	return crypto.Hash(h.signingBytes())
}

// Sign signs the header with priv and sets Signature. The header's
// Author must already match priv.Public().Hex().
func (h *BatchHeader) Sign(priv crypto.PrivateKey) {
	h.Signature = crypto.Sign(priv, []byte(h.HeaderID()))
}

// VerifySignature checks the header's signature against pub.
func (h *BatchHeader) VerifySignature(pub crypto.PublicKey) error {
	return crypto.Verify(pub, []byte(h.HeaderID()), h.Signature)
}

// MarshalCanonical returns a canonical JSON encoding, used for
// over-the-wire transport and persistence.
func (h *BatchHeader) MarshalCanonical() ([]byte, error) {
	return json.Marshal(h)
}
