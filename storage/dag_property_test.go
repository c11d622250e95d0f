package storage

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/tolelom/dagbft/types"
)

// certFor builds a syntactically valid certificate for round/author,
// mirroring makeCertificate in dag_test.go but parameterized on
// timestamp so callers can force distinct header ids (CertificateID is
// a pure function of the header, not the signatures).
func certFor(round uint64, author string, timestamp int64) *types.BatchCertificate {
	header := types.BatchHeader{Author: author, Round: round, Timestamp: timestamp}
	if round > 1 {
		header.ParentCertificateIDs = []string{"parent"}
	}
	return &types.BatchCertificate{Header: header, Signatures: map[string]string{author: "sig"}}
}

// TestDAGGCHorizonMonotonic property-checks that the GC horizon never
// decreases no matter what sequence of GC calls (valid or rejected) is
// applied.
func TestDAGGCHorizonMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dag, err := NewDAG(newMemDB(), nil)
		if err != nil {
			rt.Fatalf("NewDAG: %v", err)
		}
		horizons := rapid.SliceOfN(rapid.Uint64Range(0, 50), 1, 20).Draw(rt, "horizons")
		last := dag.GCHorizon()
		for _, h := range horizons {
			before := dag.GCHorizon()
			err := dag.GC(h)
			after := dag.GCHorizon()
			if after < before {
				rt.Fatalf("GC horizon decreased: %d -> %d", before, after)
			}
			if err == nil && h != after {
				rt.Fatalf("GC(%d) succeeded but horizon is %d", h, after)
			}
			if err != nil && after != before {
				rt.Fatalf("rejected GC(%d) still mutated horizon %d -> %d", h, before, after)
			}
			if after < last {
				rt.Fatalf("horizon regressed across calls: %d -> %d", last, after)
			}
			last = after
		}
	})
}

// TestDAGEquivocationNeverOverwritesFirst property-checks that once a
// certificate is authoritative
// at (round, author), no differing certificate from the same author at
// the same round ever replaces it, and every such attempt is recorded as
// evidence rather than silently dropped.
func TestDAGEquivocationNeverOverwritesFirst(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dag, err := NewDAG(newMemDB(), nil)
		if err != nil {
			rt.Fatalf("NewDAG: %v", err)
		}
		round := rapid.Uint64Range(1, 5).Draw(rt, "round")
		raw := rapid.SliceOfN(rapid.Int64Range(1, 1000), 2, 8).Draw(rt, "timestamps")
		seen := make(map[int64]bool)
		var timestamps []int64
		for _, ts := range raw {
			if !seen[ts] {
				seen[ts] = true
				timestamps = append(timestamps, ts)
			}
		}
		if len(timestamps) < 2 {
			timestamps = append(timestamps, timestamps[0]+1)
		}

		first := certFor(round, "alice", timestamps[0])
		if err := dag.Insert(first); err != nil {
			rt.Fatalf("insert first: %v", err)
		}
		firstID := first.CertificateID()

		evidenceBefore := len(dag.Equivocations())
		for _, ts := range timestamps[1:] {
			cert := certFor(round, "alice", ts)
			if err := dag.Insert(cert); err != nil {
				rt.Fatalf("insert differing header: %v", err)
			}
		}

		got, ok := dag.Get(round, "alice")
		if !ok || got.CertificateID() != firstID {
			rt.Fatalf("authoritative certificate changed: want %s, got %v (ok=%v)", firstID, got, ok)
		}
		if len(dag.Equivocations()) <= evidenceBefore {
			rt.Fatalf("differing headers produced no evidence")
		}
	})
}
