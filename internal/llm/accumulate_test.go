package llm

import "testing"

func TestToolCallAccumulator(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(2, "c2", "report_", "")
	acc.add(0, "c0", "get_routes", "")
	acc.add(2, "", "lost_item", `{"caller_name":`)
	acc.add(2, "", "", `"Ada"}`)

	if !acc.has(0) || !acc.has(2) || acc.has(1) {
		t.Fatalf("has() wrong: 0=%v 1=%v 2=%v", acc.has(0), acc.has(1), acc.has(2))
	}
	if acc.len() != 2 {
		t.Errorf("len = %d, want 2", acc.len())
	}

	calls := acc.complete()
	if len(calls) != 2 {
		t.Fatalf("complete = %d calls, want 2", len(calls))
	}
	if calls[0].ID != "c0" || calls[0].Arguments != "{}" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].Name != "report_lost_item" || calls[1].Arguments != `{"caller_name":"Ada"}` {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestToolCallAccumulator_Empty(t *testing.T) {
	if got := newToolCallAccumulator().complete(); len(got) != 0 {
		t.Errorf("empty accumulator produced %d calls", len(got))
	}
}
