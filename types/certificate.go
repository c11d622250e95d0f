package types

import (
	"fmt"
	"sort"

	"github.com/tolelom/dagbft/crypto"
)

// BatchCertificate is a batch header plus a quorum of signatures from the
// round's committee.
type BatchCertificate struct {
	Header     BatchHeader       `json:"batch_header"`
	Signatures map[string]string `json:"signatures"` // signer address -> signature hex
}

// CertificateID returns the deterministic certificate id: the header's
// id alone. It is independent of which signers contributed, so two
// honest validators computing the same header agree on the certificate
// id before they've even exchanged signatures.
func (c *BatchCertificate) CertificateID() string {
	return c.Header.HeaderID()
}

// Round returns the certificate's round, for convenience at call sites
// that only have a certificate in hand.
func (c *BatchCertificate) Round() uint64 { return c.Header.Round }

// Author returns the certificate's proposing author.
func (c *BatchCertificate) Author() string { return c.Header.Author }

// Validate checks the certificate against the committee for its round:
// signers are distinct committee members and
// their combined stake reaches the quorum threshold. It also verifies
// every signature against the header id.
func (c *BatchCertificate) Validate(committee *Committee) error {
	if committee.Round() != c.Header.Round && committee.Round() != 0 {
		// Committees are looked up per round by the caller; a mismatch
		// here signals the wrong committee was passed in, not a
		// protocol violation by the remote peer.
		return fmt.Errorf("committee round %d does not match certificate round %d", committee.Round(), c.Header.Round)
	}
	if len(c.Signatures) == 0 {
		return fmt.Errorf("%w: certificate has no signatures", ErrProtocolViolation)
	}
	headerID := c.Header.HeaderID()
	addrs := make(map[string]struct{}, len(c.Signatures))
	for signer, sigHex := range c.Signatures {
		if !committee.IsMember(signer) {
			return fmt.Errorf("%w: signer %s is not a committee member at round %d", ErrProtocolViolation, signer, c.Header.Round)
		}
		if _, dup := addrs[signer]; dup {
			return fmt.Errorf("%w: duplicate signer %s", ErrProtocolViolation, signer)
		}
		addrs[signer] = struct{}{}

		pub, err := crypto.PubKeyFromHex(signer)
		if err != nil {
			return fmt.Errorf("%w: invalid signer address %s: %v", ErrProtocolViolation, signer, err)
		}
		if err := crypto.Verify(pub, []byte(headerID), sigHex); err != nil {
			return fmt.Errorf("%w: invalid signature from %s: %v", ErrProtocolViolation, signer, err)
		}
	}
	if !committee.IsQuorumThresholdReached(addrs) {
		return fmt.Errorf("%w: signer stake does not reach quorum threshold at round %d", ErrProtocolViolation, c.Header.Round)
	}
	return nil
}

// SortedSigners returns signer addresses in deterministic order, used
// wherever certificate signers need a stable iteration order (tests,
// evidence logging).
func (c *BatchCertificate) SortedSigners() []string {
	out := make([]string, 0, len(c.Signatures))
	for addr := range c.Signatures {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
