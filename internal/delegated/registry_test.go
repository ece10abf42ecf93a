package delegated

import (
	"encoding/json"
	"testing"
)

func TestRegisterAndAnswer(t *testing.T) {
	r := NewRegistry()
	ch, err := r.RegisterPending("ws", "call-1", "ask_user_question")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Answer("ws", "call-1", json.RawMessage(`{"answer":"yes"}`)); err != nil {
		t.Fatal(err)
	}
	res := <-ch
	if res.Err != nil || string(res.Output) != `{"answer":"yes"}` {
		t.Errorf("result = %+v", res)
	}

	// Settled entries self-remove.
	if err := r.Answer("ws", "call-1", nil); err == nil {
		t.Error("second answer should fail, entry removed on settle")
	}
}

func TestCancelCarriesReason(t *testing.T) {
	r := NewRegistry()
	ch, _ := r.RegisterPending("ws", "call-1", "ask_user_question")

	if err := r.Cancel("ws", "call-1", "stream aborted"); err != nil {
		t.Fatal(err)
	}
	res := <-ch
	if res.Err == nil || res.Err.Error() != "stream aborted" {
		t.Errorf("err = %v", res.Err)
	}
}

func TestCancelAll(t *testing.T) {
	r := NewRegistry()
	ch1, _ := r.RegisterPending("ws", "call-1", "a")
	ch2, _ := r.RegisterPending("ws", "call-2", "b")
	chOther, _ := r.RegisterPending("other", "call-3", "c")

	r.CancelAll("ws", "workspace closed")
	for _, ch := range []<-chan Result{ch1, ch2} {
		if res := <-ch; res.Err == nil {
			t.Error("expected cancellation error")
		}
	}
	select {
	case <-chOther:
		t.Error("other workspace must be untouched")
	default:
	}

	if _, _, ok := r.GetLatestPending("ws"); ok {
		t.Error("no pending calls should remain")
	}
}

func TestEmptyIDsRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.RegisterPending("", "call-1", "t"); err == nil {
		t.Error("empty workspace id must be rejected")
	}
	if _, err := r.RegisterPending("ws", "", "t"); err == nil {
		t.Error("empty tool call id must be rejected")
	}
	if err := r.Answer("", "call-1", nil); err == nil {
		t.Error("empty workspace id must be rejected")
	}
}

func TestDoubleRegistrationRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.RegisterPending("ws", "call-1", "t"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterPending("ws", "call-1", "t"); err == nil {
		t.Error("double registration must be rejected")
	}
}

func TestGetLatestPending(t *testing.T) {
	r := NewRegistry()
	if _, _, ok := r.GetLatestPending("ws"); ok {
		t.Fatal("empty registry has no latest")
	}

	r.RegisterPending("ws", "call-1", "first")
	r.mu.Lock()
	r.pending["ws"]["call-1"].createdAt = 100
	r.mu.Unlock()

	r.RegisterPending("ws", "call-2", "second")
	r.mu.Lock()
	r.pending["ws"]["call-2"].createdAt = 200
	r.mu.Unlock()

	id, name, ok := r.GetLatestPending("ws")
	if !ok || id != "call-2" || name != "second" {
		t.Errorf("latest = (%s, %s, %v)", id, name, ok)
	}
}
