package emit

import "testing"

func seedBuffer() *BufferedEmitter {
	b := NewBufferedEmitter()
	b.Emit(Event{WorkflowID: "wf-1", NodeID: "a", Round: 1, Level: LevelInfo, Msg: "node_started"})
	b.Emit(Event{WorkflowID: "wf-1", NodeID: "a", Round: 1, Level: LevelWarn, Msg: "retry_scheduled"})
	b.Emit(Event{WorkflowID: "wf-1", NodeID: "b", Round: 2, Level: LevelInfo, Msg: "node_started"})
	b.Emit(Event{WorkflowID: "wf-2", NodeID: "x", Round: 1, Level: LevelError, Msg: "node_failed"})
	return b
}

func TestBufferedEmitter_GetHistory(t *testing.T) {
	b := seedBuffer()

	history := b.GetHistory("wf-1")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	if history[0].Msg != "node_started" || history[1].Msg != "retry_scheduled" {
		t.Errorf("history out of emission order: %v", history)
	}

	if got := b.GetHistory("unknown"); len(got) != 0 {
		t.Errorf("unknown workflow returned %d events", len(got))
	}
}

func TestBufferedEmitter_GetHistoryWithFilter(t *testing.T) {
	b := seedBuffer()

	t.Run("by node", func(t *testing.T) {
		got := b.GetHistoryWithFilter("wf-1", HistoryFilter{NodeID: "a"})
		if len(got) != 2 {
			t.Fatalf("got %d events, want 2", len(got))
		}
	})

	t.Run("by message", func(t *testing.T) {
		got := b.GetHistoryWithFilter("wf-1", HistoryFilter{Msg: "retry_scheduled"})
		if len(got) != 1 || got[0].NodeID != "a" {
			t.Fatalf("got %v, want one retry on node a", got)
		}
	})

	t.Run("by level", func(t *testing.T) {
		warn := LevelWarn
		got := b.GetHistoryWithFilter("wf-1", HistoryFilter{MinLevel: &warn})
		if len(got) != 1 {
			t.Fatalf("got %d events at warn or above, want 1", len(got))
		}
	})

	t.Run("by round window", func(t *testing.T) {
		two := 2
		got := b.GetHistoryWithFilter("wf-1", HistoryFilter{MinRound: &two, MaxRound: &two})
		if len(got) != 1 || got[0].NodeID != "b" {
			t.Fatalf("got %v, want only the round-2 event", got)
		}
	})

	t.Run("combined", func(t *testing.T) {
		got := b.GetHistoryWithFilter("wf-1", HistoryFilter{NodeID: "a", Msg: "node_started"})
		if len(got) != 1 {
			t.Fatalf("got %d events, want 1", len(got))
		}
	})
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := seedBuffer()

	b.Clear("wf-1")
	if got := b.GetHistory("wf-1"); len(got) != 0 {
		t.Fatalf("wf-1 not cleared: %v", got)
	}
	if got := b.GetHistory("wf-2"); len(got) != 1 {
		t.Fatalf("wf-2 affected by scoped clear: %v", got)
	}

	b.Clear("")
	if got := b.GetHistory("wf-2"); len(got) != 0 {
		t.Fatalf("global clear left events: %v", got)
	}
}
