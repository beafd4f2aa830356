package session

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/vanguard/internal/llm"
)

func newTestSession() *Session {
	return newSession("CA1", "+15550100", "+15550199")
}

func TestBegin_AppendsUserMessageAndInstallsHandle(t *testing.T) {
	s := newTestSession()
	h := s.Begin(context.Background(), "What time does the ferry run?")

	if !s.Active() || !s.Live(h) {
		t.Fatal("Begin should install a live handle")
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].Role != llm.RoleUser || hist[0].Content != "What time does the ferry run?" {
		t.Errorf("history = %+v", hist)
	}
}

func TestBegin_CancelsPreviousHandle(t *testing.T) {
	s := newTestSession()
	first := s.Begin(context.Background(), "one")
	second := s.Begin(context.Background(), "two")

	if !first.Cancelled() {
		t.Error("first handle should be cancelled by the second Begin")
	}
	if second.Cancelled() {
		t.Error("second handle should be live")
	}
	if s.Live(first) {
		t.Error("superseded handle must not be live")
	}
	if !s.Live(second) {
		t.Error("newest handle should be live")
	}
	if s.Len() != 2 {
		t.Errorf("history len = %d, want 2", s.Len())
	}
}

func TestAtMostOneLiveHandle(t *testing.T) {
	s := newTestSession()
	var handles []*Handle
	for i := 0; i < 10; i++ {
		handles = append(handles, s.Begin(context.Background(), "utterance"))

		live := 0
		for _, h := range handles {
			if s.Live(h) {
				live++
			}
			if !h.Cancelled() && h != handles[len(handles)-1] {
				t.Fatalf("handle %s is uncancelled but superseded", h.ID())
			}
		}
		if live != 1 {
			t.Fatalf("after %d Begins, %d live handles, want 1", i+1, live)
		}
	}
}

func TestInterrupt(t *testing.T) {
	s := newTestSession()

	if s.Interrupt() {
		t.Error("Interrupt on idle session should report false")
	}

	h := s.Begin(context.Background(), "hi")
	before := s.Len()
	if !s.Interrupt() {
		t.Error("Interrupt with active turn should report true")
	}
	if !h.Cancelled() || s.Active() {
		t.Error("Interrupt should cancel and clear the handle")
	}
	if s.Len() != before {
		t.Error("Interrupt must not change history")
	}
	if s.Interrupt() {
		t.Error("second Interrupt should be a no-op")
	}
}

func TestAppendAndCommit_RefusedAfterCancel(t *testing.T) {
	s := newTestSession()
	h := s.Begin(context.Background(), "hi")

	if !s.Append(h, llm.AssistantMessage("partial")) {
		t.Fatal("Append on live handle should succeed")
	}

	s.Interrupt()

	if s.Append(h, llm.AssistantMessage("late")) {
		t.Error("Append after cancel should be refused")
	}
	ran := false
	if s.Commit(h, func([]llm.Message) { ran = true }) || ran {
		t.Error("Commit after cancel should not run")
	}
	if s.Len() != 2 {
		t.Errorf("history len = %d, want 2", s.Len())
	}
}

func TestCommit_SeesHistory(t *testing.T) {
	s := newTestSession()
	h := s.Begin(context.Background(), "hi")

	var seen int
	s.Commit(h, func(hist []llm.Message) { seen = len(hist) })
	if seen != 1 {
		t.Errorf("Commit saw %d messages, want 1", seen)
	}
}

func TestCommit_ParentContextCancelled(t *testing.T) {
	s := newTestSession()
	ctx, cancel := context.WithCancel(context.Background())
	h := s.Begin(ctx, "hi")
	cancel()

	if s.Append(h, llm.AssistantMessage("x")) {
		t.Error("Append should be refused once the parent context is cancelled")
	}
}

func TestFinish(t *testing.T) {
	s := newTestSession()
	h := s.Begin(context.Background(), "hi")
	s.Finish(h)

	if s.Active() {
		t.Error("Finish should clear the active handle")
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done should be closed after Finish")
	}
	s.Finish(h) // second call must not panic
}

func TestFinish_StaleHandleKeepsNewer(t *testing.T) {
	s := newTestSession()
	old := s.Begin(context.Background(), "one")
	newer := s.Begin(context.Background(), "two")

	s.Finish(old)
	if !s.Live(newer) {
		t.Error("finishing a superseded handle must not clear the newer one")
	}
}

func TestWaitPrevious(t *testing.T) {
	s := newTestSession()
	first := s.Begin(context.Background(), "one")
	second := s.Begin(context.Background(), "two")

	waited := make(chan error, 1)
	go func() { waited <- second.WaitPrevious() }()

	select {
	case <-waited:
		t.Fatal("WaitPrevious returned before the previous turn finished")
	case <-time.After(20 * time.Millisecond):
	}

	s.Finish(first)
	select {
	case err := <-waited:
		if err != nil {
			t.Errorf("WaitPrevious = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitPrevious did not return after Finish")
	}
}

func TestWaitPrevious_AfterInterrupt(t *testing.T) {
	s := newTestSession()
	first := s.Begin(context.Background(), "one")
	s.Interrupt()

	// The interrupted turn may still be draining; the next turn waits.
	second := s.Begin(context.Background(), "two")
	done := make(chan error, 1)
	go func() { done <- second.WaitPrevious() }()

	s.Finish(first)
	if err := <-done; err != nil {
		t.Errorf("WaitPrevious = %v", err)
	}
}

func TestWaitPrevious_CancelledWhileWaiting(t *testing.T) {
	s := newTestSession()
	s.Begin(context.Background(), "one")
	second := s.Begin(context.Background(), "two")
	s.Interrupt()

	if err := second.WaitPrevious(); err == nil {
		t.Error("WaitPrevious should return the cancellation error")
	}
}

func TestBegin_OnClosedSession(t *testing.T) {
	s := newTestSession()
	s.close()

	h := s.Begin(context.Background(), "hello?")
	if !h.Cancelled() {
		t.Error("Begin on closed session should return a cancelled handle")
	}
	if s.Len() != 0 {
		t.Error("Begin on closed session must not append")
	}
	s.Finish(h)
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := newTestSession()
	s.Begin(context.Background(), "hi")
	hist := s.History()
	hist[0].Content = "changed"
	if s.History()[0].Content != "hi" {
		t.Error("History should return a copy")
	}
}
