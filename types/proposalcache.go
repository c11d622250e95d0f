package types

import "fmt"

// SignedProposal records that this validator signed author's header at
// round, so a second, differing header from the same author at the same
// round is refused rather than double-signed.
type SignedProposal struct {
	Author    string `json:"author"`
	Round     uint64 `json:"round"`
	HeaderID  string `json:"header_id"`
	Signature string `json:"signature"`
}

// ProposalCache is the primary's crash-recovery state: the latest round
// it reached, the in-flight proposal (if any), the most recent header
// this validator has signed from each author (one entry per author; a
// later round replaces an earlier one), and certificates observed but
// not yet durably applied.
type ProposalCache struct {
	Address              string                    `json:"address"`
	LatestRound          uint64                     `json:"latest_round"`
	CurrentProposal      *BatchHeader               `json:"current_proposal,omitempty"`
	SignedProposals      map[string]SignedProposal  `json:"signed_proposals"` // key: author
	PendingCertificateIDs []string                  `json:"pending_certificate_ids"`
}

// NewProposalCache returns an empty cache for address.
func NewProposalCache(address string) *ProposalCache {
	return &ProposalCache{Address: address, SignedProposals: make(map[string]SignedProposal)}
}

// Validate checks that every stored proposal is authored by Address and
// that LatestRound is at least the in-flight proposal's round.
func (pc *ProposalCache) Validate() error {
	if pc.CurrentProposal != nil {
		if pc.CurrentProposal.Author != pc.Address {
			return fmt.Errorf("proposal cache for %s holds a proposal authored by %s", pc.Address, pc.CurrentProposal.Author)
		}
		if pc.LatestRound < pc.CurrentProposal.Round {
			return fmt.Errorf("proposal cache latest_round %d < current_proposal.round %d", pc.LatestRound, pc.CurrentProposal.Round)
		}
	}
	return nil
}

// RecordSigned records that this validator signed header from its
// author, refusing to overwrite a differing prior entry for the same
// author+round.
func (pc *ProposalCache) RecordSigned(header *BatchHeader, signature string) error {
	if existing, ok := pc.SignedProposals[header.Author]; ok {
		if existing.Round == header.Round && existing.HeaderID != header.HeaderID() {
			return fmt.Errorf("already signed a different header from %s at round %d", header.Author, header.Round)
		}
	}
	pc.SignedProposals[header.Author] = SignedProposal{
		Author:    header.Author,
		Round:     header.Round,
		HeaderID:  header.HeaderID(),
		Signature: signature,
	}
	return nil
}

// HasSignedDifferent reports whether this validator has already signed a
// header from author at round that differs from headerID, the check
// the signing contract performs before emitting BatchSign.
func (pc *ProposalCache) HasSignedDifferent(author string, round uint64, headerID string) bool {
	existing, ok := pc.SignedProposals[author]
	return ok && existing.Round == round && existing.HeaderID != headerID
}
