package session

import (
	"context"
	"sync"

	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/wa"
)

// Handle is the in-memory connection for one account. It exclusively owns
// its client: whoever removes the handle from the Registry must close it.
type Handle struct {
	accountID string
	ownerID   string
	label     string
	client    wa.Client
	machine   *status.Machine

	mu           sync.Mutex
	pairingCode  string
	pairingImage string
	failure      string
	changed      chan struct{}
}

func newHandle(accountID, ownerID, label string, client wa.Client, machine *status.Machine) *Handle {
	return &Handle{
		accountID: accountID,
		ownerID:   ownerID,
		label:     label,
		client:    client,
		machine:   machine,
		changed:   make(chan struct{}),
	}
}

// AccountID returns the account this handle serves.
func (h *Handle) AccountID() string { return h.accountID }

// OwnerID returns the user notified about this account.
func (h *Handle) OwnerID() string { return h.ownerID }

// Client returns the provider client.
func (h *Handle) Client() wa.Client { return h.client }

// State returns the connection state.
func (h *Handle) State() status.State { return h.machine.Current() }

// Ready reports whether the client can send and list chats.
func (h *Handle) Ready() bool { return h.machine.Current() == status.Ready }

// Pairing returns the last issued pairing payload and its rendered image.
func (h *Handle) Pairing() (code, image string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pairingCode, h.pairingImage
}

// fire drives the state machine and wakes waiters on a change.
func (h *Handle) fire(t status.Trigger) (status.State, error) {
	before := h.machine.Current()
	after, err := h.machine.Fire(t)
	if err == nil && after != before {
		h.broadcast()
	}
	return after, err
}

func (h *Handle) setPairing(code, image string) {
	h.mu.Lock()
	h.pairingCode = code
	h.pairingImage = image
	h.failure = ""
	h.mu.Unlock()
	h.broadcast()
}

func (h *Handle) clearPairing() {
	h.mu.Lock()
	h.pairingCode = ""
	h.pairingImage = ""
	h.mu.Unlock()
}

func (h *Handle) setFailure(reason string) {
	h.mu.Lock()
	h.failure = reason
	h.mu.Unlock()
	h.broadcast()
}

func (h *Handle) broadcast() {
	h.mu.Lock()
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// snapshot is a consistent view of a handle for StartSession.
type snapshot struct {
	state        status.State
	pairingCode  string
	pairingImage string
	failure      string
}

// settled reports whether StartSession has something to return.
func (s snapshot) settled() bool {
	return s.state == status.Ready || s.state.Terminal() || s.pairingImage != "" || s.failure != ""
}

func (h *Handle) snapshot() (snapshot, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshot{
		state:        h.machine.Current(),
		pairingCode:  h.pairingCode,
		pairingImage: h.pairingImage,
		failure:      h.failure,
	}, h.changed
}

// wait blocks until the handle is ready, has a pairing image, has failed
// or has ended, or until ctx is done. It returns the latest snapshot either way.
func (h *Handle) wait(ctx context.Context) snapshot {
	for {
		s, changed := h.snapshot()
		if s.settled() {
			return s
		}
		select {
		case <-changed:
		case <-ctx.Done():
			s, _ = h.snapshot()
			return s
		}
	}
}

// Info describes a handle for listings.
type Info struct {
	AccountID      string       `json:"account_id"`
	OwnerID        string       `json:"owner_id"`
	State          status.State `json:"state"`
	Ready          bool         `json:"ready"`
	HasPairingCode bool         `json:"has_pairing_code"`
}

// Info returns a point-in-time description of h.
func (h *Handle) Info() Info {
	s, _ := h.snapshot()
	return Info{
		AccountID:      h.accountID,
		OwnerID:        h.ownerID,
		State:          s.state,
		Ready:          s.state == status.Ready,
		HasPairingCode: s.pairingImage != "",
	}
}
