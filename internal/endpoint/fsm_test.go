package endpoint

import "testing"

func TestApplyKAEvent(t *testing.T) {
	cases := []struct {
		name    string
		state   KAState
		event   KAEvent
		want    KAState
		changed bool
	}{
		{"idle byte resets", KAIdle, EventByteReceived, KAIdle, false},
		{"idle timeout probes", KAIdle, EventIdleTimeout, KAWaitingProbeAck, true},
		{"waiting ack clears", KAWaitingProbeAck, EventProbeAck, KAIdle, true},
		{"waiting byte clears", KAWaitingProbeAck, EventByteReceived, KAIdle, true},
		{"waiting retry loops", KAWaitingProbeAck, EventProbeTimeoutRetry, KAWaitingProbeAck, false},
		{"waiting exceeded dies", KAWaitingProbeAck, EventProbeTimeoutExceeded, KADead, true},
		{"dead ignores bytes", KADead, EventByteReceived, KADead, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ApplyKAEvent(tc.state, tc.event)
			if res.NewState != tc.want {
				t.Errorf("NewState = %v, want %v", res.NewState, tc.want)
			}
			if res.Changed != tc.changed {
				t.Errorf("Changed = %v, want %v", res.Changed, tc.changed)
			}
		})
	}
}

func TestApplyKAEventUnknownPairIgnored(t *testing.T) {
	res := ApplyKAEvent(KAIdle, EventProbeAck)
	if res.Changed {
		t.Fatalf("expected no transition for (Idle, ProbeAck), got %+v", res)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("expected no actions, got %v", res.Actions)
	}
}
