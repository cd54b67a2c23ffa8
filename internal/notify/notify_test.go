package notify_test

import (
	"LendLedger/internal/notify"
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSender struct {
	name string
	err  error
	got  []notify.Notification
}

func (s *recordingSender) Send(_ context.Context, n notify.Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifier_FanOutSurvivesFailure(t *testing.T) {
	failing := &recordingSender{name: "broken", err: errors.New("smtp down")}
	ok := &recordingSender{name: "ok"}
	n := notify.NewNotifier(nil, failing, ok, notify.NewLogSender())

	err := n.Send(context.Background(), notify.Notification{
		Kind:       notify.KindDefaulted,
		PositionID: 9,
		Owner:      "0xalice",
		Message:    "position 9 defaulted",
		At:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	if err == nil {
		t.Fatal("expected combined error")
	}
	if !errors.Is(err, failing.err) {
		t.Errorf("combined error does not wrap sender error: %v", err)
	}
	if len(ok.got) != 1 || ok.got[0].PositionID != 9 {
		t.Errorf("healthy sender did not receive the notification: %+v", ok.got)
	}
}

func TestNotifier_NoSenders(t *testing.T) {
	if err := notify.NewNotifier(nil).Send(context.Background(), notify.Notification{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
