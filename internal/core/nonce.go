package core

import (
	"fmt"
)

// NonceTracker validates per-sender nonces.
// Not thread-safe. Only accessed under the authority's writer lock.
type NonceTracker struct {
	next map[string]uint64 // sender -> next expected nonce
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{
		next: make(map[string]uint64),
	}
}

// Validate checks the nonce against the sender's next expected nonce
func (nt *NonceTracker) Validate(sender string, nonce uint64) error {
	expected := nt.next[sender]

	if nonce < expected {
		// Already consumed by another transaction
		return fmt.Errorf("%w: sender=%s, expected=%d, got=%d", ErrNonceTooLow, sender, expected, nonce)
	}

	if nonce > expected {
		return fmt.Errorf("%w: sender=%s, expected=%d, got=%d", ErrNonceGap, sender, expected, nonce)
	}

	return nil
}

// Advance consumes the sender's current nonce
func (nt *NonceTracker) Advance(sender string) {
	nt.next[sender]++
}

// Next returns the next expected nonce for a sender
func (nt *NonceTracker) Next(sender string) uint64 {
	return nt.next[sender]
}

// All returns a copy of every sender's next nonce (for snapshots)
func (nt *NonceTracker) All() map[string]uint64 {
	out := make(map[string]uint64, len(nt.next))
	for k, v := range nt.next {
		out[k] = v
	}
	return out
}

// Restore replaces nonce state (used during recovery)
func (nt *NonceTracker) Restore(next map[string]uint64) {
	nt.next = make(map[string]uint64, len(next))
	for k, v := range next {
		nt.next[k] = v
	}
}
