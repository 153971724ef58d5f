package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/wpphub/internal/status"
	"github.com/matheus3301/wpphub/internal/wa/watest"
)

func testHandle(id string) *Handle {
	return newHandle(id, "user-1", "", watest.NewClient(), status.NewMachine(id, nil))
}

func TestRegistryRemoveIfOnlyRemovesSameHandle(t *testing.T) {
	r := NewRegistry()
	old := testHandle("acc1")
	r.put(old)
	replacement := testHandle("acc1")
	r.put(replacement)

	if r.removeIf(old) {
		t.Error("removeIf removed a handle that was already replaced")
	}
	if h, _ := r.Get("acc1"); h != replacement {
		t.Error("replacement handle should remain registered")
	}
	if !r.removeIf(replacement) || r.Len() != 0 {
		t.Error("removeIf should remove the current handle")
	}
}

func TestRegistryAllIsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		r.put(testHandle(id))
	}
	all := r.All()
	if len(all) != 3 || all[0].AccountID() != "a" || all[2].AccountID() != "c" {
		t.Errorf("All() order = %v", []string{all[0].AccountID(), all[1].AccountID(), all[2].AccountID()})
	}
}

func TestRegistryCreateCoalesces(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*Handle, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.create("acc1", func() (*Handle, error) {
				calls.Add(1)
				<-release
				h := testHandle("acc1")
				r.put(h)
				return h, nil
			})
			if err != nil {
				t.Errorf("create: %v", err)
			}
			results[i] = h
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("creation ran %d times, want 1", got)
	}
	for _, h := range results {
		if h != results[0] {
			t.Fatal("callers received different handles")
		}
	}
}

func TestRegistryCreateErrorIsShared(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	if _, err := r.create("acc1", func() (*Handle, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if r.Len() != 0 {
		t.Error("failed creation must not register anything")
	}
}

func TestHandleWaitSettlesOnPairing(t *testing.T) {
	h := testHandle("acc1")
	done := make(chan snapshot, 1)
	go func() { done <- h.wait(t.Context()) }()

	time.Sleep(10 * time.Millisecond)
	if _, err := h.fire(status.PairingCode); err != nil {
		t.Fatal(err)
	}
	h.setPairing("2@code", "data:image/png;base64,AAAA")

	select {
	case s := <-done:
		if s.pairingImage == "" || s.state != status.Pairing {
			t.Errorf("snapshot = %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return after pairing")
	}
}
