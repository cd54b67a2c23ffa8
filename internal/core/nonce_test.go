package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestNonceTracker_Validate(t *testing.T) {
	nt := NewNonceTracker()

	if err := nt.Validate("0xalice", 0); err != nil {
		t.Fatalf("first nonce: %v", err)
	}
	nt.Advance("0xalice")

	if err := nt.Validate("0xalice", 0); !errors.Is(err, ErrNonceTooLow) {
		t.Errorf("expected ErrNonceTooLow, got %v", err)
	}
	if err := nt.Validate("0xalice", 2); !errors.Is(err, ErrNonceGap) {
		t.Errorf("expected ErrNonceGap, got %v", err)
	}
	if got := nt.Next("0xalice"); got != 1 {
		t.Errorf("conflicts moved next nonce to %d", got)
	}
}

func TestNonceTracker_ConflictsLeaveNoState(t *testing.T) {
	nt := NewNonceTracker()

	for i := 0; i < 1000; i++ {
		sender := fmt.Sprintf("0x%04d", i)
		if err := nt.Validate(sender, 5); !IsConflict(err) {
			t.Fatalf("%s: expected conflict, got %v", sender, err)
		}
	}
	if n := len(nt.All()); n != 0 {
		t.Errorf("rejected senders left %d entries behind", n)
	}
}
