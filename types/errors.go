package types

import "errors"

// The error taxonomy, by failure kind. Callers test with
// errors.Is so the propagation policy (disconnect vs. retry vs. fatal)
// can be enforced mechanically at gateway and primary call sites rather
// than by inspecting error strings.
var (
	// ErrProtocolViolation covers malformed frames, invalid signatures,
	// equivocation, quorum-threshold breaches, and headers referencing
	// parents below the GC horizon. Handling: disconnect the peer,
	// record evidence, never retry with the same peer at the same round.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrLiveness covers timeouts waiting for signatures, fetching a
	// transmission, or fetching a block. Handling: retry with backoff;
	// after N attempts, advance the round or mark the block attempt
	// failed.
	ErrLiveness = errors.New("liveness condition")

	// ErrLocalResource covers a full inbound queue, fsync failure on the
	// proposal cache, or a full disk. Handling: bounded retries;
	// persistent failure is fatal and surfaced to the operator.
	ErrLocalResource = errors.New("local resource exhausted")

	// ErrConfig covers a mismatched network id, incompatible genesis, or
	// a missing committee entry for this validator. Handling: fail at
	// startup with a specific diagnostic.
	ErrConfig = errors.New("configuration error")

	// ErrLedgerConsistency covers check_next_block rejecting a candidate
	// the commit rule selected. Handling: fatal; stop the validator,
	// record state for offline analysis. Must not happen if all
	// validators follow the protocol.
	ErrLedgerConsistency = errors.New("ledger consistency violation")
)
