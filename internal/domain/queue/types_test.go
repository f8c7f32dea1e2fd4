package queue

import "testing"

func TestVersionOrdering(t *testing.T) {
	cases := []struct {
		a, b Version
		want bool
	}{
		{Version{Epoch: 1, Seq: 1}, Version{Epoch: 1, Seq: 2}, true},
		{Version{Epoch: 1, Seq: 2}, Version{Epoch: 1, Seq: 2}, false},
		{Version{Epoch: 1, Seq: 99}, Version{Epoch: 2, Seq: 1}, true},
		{Version{Epoch: 2, Seq: 1}, Version{Epoch: 1, Seq: 99}, false},
	}
	for _, tc := range cases {
		if got := tc.a.Before(tc.b); got != tc.want {
			t.Fatalf("%+v.Before(%+v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestStatePositionOfMatchesStore(t *testing.T) {
	s := NewStore(1)
	_, _ = s.Admit("A", "")
	s.Enqueue("B")
	s.Enqueue("C")
	state := s.State()

	for _, key := range []string{"A", "B", "C", "missing"} {
		if got, want := state.PositionOf(key), s.Position(key); got != want {
			t.Fatalf("PositionOf(%s) = %+v, want %+v", key, got, want)
		}
	}
	summary := state.Summary()
	if summary.TotalInQueue != 2 || summary.ActiveUsers != 1 || summary.HasCapacity() {
		t.Fatalf("unexpected derived summary %+v", summary)
	}
}

func TestNewPositionDirectAccess(t *testing.T) {
	if pos := NewPosition("k", 0, false, 0, 0, 1); !pos.DirectAccess || pos.IsMyTurn {
		t.Fatalf("free slot and empty queue grants direct access: %+v", pos)
	}
	if pos := NewPosition("k", 0, false, 1, 0, 1); pos.DirectAccess {
		t.Fatalf("waiters ahead deny direct access: %+v", pos)
	}
	if pos := NewPosition("k", 0, true, 3, 1, 1); !pos.DirectAccess {
		t.Fatalf("an active key always has access: %+v", pos)
	}
}
