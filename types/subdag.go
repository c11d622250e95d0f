package types

import "sort"

// SubDAG is the deterministic ordered sequence of certificates
// linearized from one committed leader: the leader
// plus every ancestor reachable through parent links that has not
// appeared in any prior committed sub-DAG.
type SubDAG struct {
	LeaderCertificateID string             `json:"leader_certificate_id"`
	Certificates        []BatchCertificate `json:"certificates"` // linearization order
}

// SortCertificates orders certs by (round ascending, author
// lexicographic), the deterministic tie-break that makes two honest
// validators linearizing the same set always agree on order.
func SortCertificates(certs []BatchCertificate) {
	sort.Slice(certs, func(i, j int) bool {
		if certs[i].Header.Round != certs[j].Header.Round {
			return certs[i].Header.Round < certs[j].Header.Round
		}
		return certs[i].Header.Author < certs[j].Header.Author
	})
}

// TransmissionIDs returns the union of transmission ids across all
// certificates in the sub-DAG, preserving per-certificate order and the
// sub-DAG's inter-certificate order. Duplicate ids
// across certificates (possible when two certificates happen to
// reference the same transmission) are de-duplicated, keeping the first
// occurrence, which is the canonical order for the block materializer.
func (s *SubDAG) TransmissionIDs() []TransmissionID {
	seen := make(map[string]struct{})
	var out []TransmissionID
	for _, cert := range s.Certificates {
		for _, id := range cert.Header.TransmissionIDs {
			key := id.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
