package listenfsm

import "testing"

func TestApplyEventOpensSocketOnFirstAdvertise(t *testing.T) {
	res := ApplyEvent(State{}, EventEnableAdvertise)
	if !res.Changed {
		t.Fatal("expected a state change")
	}
	if !res.NewState.Listening || !res.NewState.Advertising {
		t.Fatalf("unexpected new state: %+v", res.NewState)
	}
	if len(res.Actions) != 2 || res.Actions[0] != ActionOpenListenSocket || res.Actions[1] != ActionEnableNameService {
		t.Fatalf("unexpected actions: %v", res.Actions)
	}
}

func TestApplyEventKeepsSocketWhileDiscoverStillActive(t *testing.T) {
	state := State{Listening: true, Advertising: true, Discovering: true}
	res := ApplyEvent(state, EventDisableAdvertise)
	if !res.Changed {
		t.Fatal("expected a state change (advertising flag cleared)")
	}
	if !res.NewState.Listening || res.NewState.Advertising || !res.NewState.Discovering {
		t.Fatalf("unexpected new state: %+v", res.NewState)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no socket actions while discover is still active, got %v", res.Actions)
	}
}

func TestApplyEventClosesSocketOnLastDisable(t *testing.T) {
	state := State{Listening: true, Advertising: true}
	res := ApplyEvent(state, EventDisableAdvertise)
	if res.NewState.Listening || res.NewState.Advertising {
		t.Fatalf("unexpected new state: %+v", res.NewState)
	}
	if len(res.Actions) != 2 || res.Actions[0] != ActionDisableNameService || res.Actions[1] != ActionCloseListenSocket {
		t.Fatalf("unexpected actions: %v", res.Actions)
	}
}

func TestApplyEventIgnoresRedundantEnable(t *testing.T) {
	state := State{Listening: true, Advertising: true}
	res := ApplyEvent(state, EventEnableAdvertise)
	if res.Changed {
		t.Fatal("expected no state change for a redundant enable")
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions, got %v", res.Actions)
	}
}

func TestInvariantsHoldAcrossEveryTransition(t *testing.T) {
	events := []Event{EventEnableAdvertise, EventEnableDiscover, EventDisableAdvertise, EventDisableDiscover}
	state := State{}
	for _, ev := range events {
		res := ApplyEvent(state, ev)
		state = res.NewState

		if !state.Listening && (state.Advertising || state.Discovering) {
			t.Fatalf("invariant violated after %v: %+v", ev, state)
		}
		if state.nsEnabled() && !((state.Advertising || state.Discovering) && state.Listening) {
			t.Fatalf("nsEnabled invariant violated after %v: %+v", ev, state)
		}
	}
}

func TestQuietAdvertiserEnablesBelowCeiling(t *testing.T) {
	q := NewQuietAdvertiser("quiet@", 5)
	if !q.ShouldEnable(0) {
		t.Fatal("expected enabled with no untrusted clients")
	}
	if q.ShouldEnable(5) {
		t.Fatal("expected disabled at the ceiling")
	}
}
