package status

import (
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("acc1", nil)
	if m.Current() != Connecting {
		t.Errorf("initial state = %s, want CONNECTING", m.Current())
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		want    State
	}{
		{Connecting, PairingCode, Pairing},
		{Connecting, BecomeReady, Ready},
		{Connecting, AuthFailure, Failed},
		{Connecting, ConnectionLost, Disconnected},
		{Pairing, PairingCode, Pairing},
		{Pairing, Authenticate, Authenticated},
		{Pairing, AuthFailure, Failed},
		{Authenticated, BecomeReady, Ready},
		{Authenticated, ConnectionLost, Disconnected},
		{Ready, AuthFailure, Failed},
		{Ready, ConnectionLost, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.trigger), func(t *testing.T) {
			got, err := Next(tt.from, tt.trigger)
			if err != nil {
				t.Fatalf("Next(%s, %s) error = %v", tt.from, tt.trigger, err)
			}
			if got != tt.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tt.from, tt.trigger, got, tt.want)
			}
		})
	}
}

func TestInvalidTriggers(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
	}{
		{Authenticated, PairingCode},
		{Ready, PairingCode},
		{Ready, BecomeReady},
		{Failed, BecomeReady},
		{Failed, ConnectionLost},
		{Disconnected, PairingCode},
		{Disconnected, AuthFailure},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.trigger)
		if err == nil {
			t.Errorf("Next(%s, %s) should fail", tt.from, tt.trigger)
		}
		if got != tt.from {
			t.Errorf("Next(%s, %s) = %s, want unchanged", tt.from, tt.trigger, got)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{Connecting, Pairing, Authenticated, Ready} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{Failed, Disconnected} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestFireEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine("acc1", b)
	if _, err := m.Fire(PairingCode); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != "session.status_changed" {
			t.Errorf("event kind = %q, want session.status_changed", evt.Kind)
		}
		if evt.AccountID != "acc1" {
			t.Errorf("account = %q, want acc1", evt.AccountID)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Connecting || change.To != Pairing || change.Trigger != PairingCode {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// A refreshed pairing code keeps the state and publishes nothing.
func TestRefreshedCodeIsQuiet(t *testing.T) {
	b := bus.New()
	m := NewMachine("acc1", b)
	_, _ = m.Fire(PairingCode)

	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()
	if s, err := m.Fire(PairingCode); err != nil || s != Pairing {
		t.Fatalf("Fire = %s, %v", s, err)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestFullPairingLifecycle walks a first-run pairing:
// CONNECTING → PAIRING → AUTHENTICATED → READY → DISCONNECTED
func TestFullPairingLifecycle(t *testing.T) {
	m := NewMachine("acc1", nil)

	for _, tr := range []Trigger{PairingCode, PairingCode, Authenticate, BecomeReady, ConnectionLost} {
		if _, err := m.Fire(tr); err != nil {
			t.Fatalf("Fire(%s): %v (current: %s)", tr, err, m.Current())
		}
	}
	if m.Current() != Disconnected {
		t.Errorf("final state = %s, want DISCONNECTED", m.Current())
	}
}

// TestReturningAccountLifecycle covers stored credentials: no pairing step.
func TestReturningAccountLifecycle(t *testing.T) {
	m := NewMachine("acc1", nil)
	if _, err := m.Fire(BecomeReady); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Fire(PairingCode); err == nil {
		t.Error("pairing code after READY should be rejected")
	}
	if m.Current() != Ready {
		t.Errorf("state = %s, want READY", m.Current())
	}
}
