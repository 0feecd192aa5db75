package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/MrWong99/bridgespeak/pkg/rtvi"
	"github.com/MrWong99/bridgespeak/pkg/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		kind        FaultKind
		status      int
		maintenance bool
	}{
		{
			name:        "offer rejected",
			err:         &transport.OfferError{StatusCode: 500, Body: "boom"},
			kind:        FaultServerRejected,
			status:      500,
			maintenance: true, // message names /api/offer
		},
		{
			name:        "connection refused",
			err:         fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			kind:        FaultNetworkUnreachable,
			maintenance: true,
		},
		{
			name:        "net error",
			err:         &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route to host")},
			kind:        FaultNetworkUnreachable,
			maintenance: true,
		},
		{
			name:        "failed to fetch",
			err:         errors.New("TypeError: Failed to fetch"),
			kind:        FaultNetworkUnreachable,
			maintenance: true,
		},
		{
			name: "transport lost",
			err:  fmt.Errorf("%w: transport failed", ErrTransportLost),
			kind: FaultTransportLost,
		},
		{
			name: "bad answer",
			err:  fmt.Errorf("webrtc: %w: empty sdp", transport.ErrProtocol),
			kind: FaultProtocol,
		},
		{
			name: "bad rtvi message",
			err:  fmt.Errorf("%w: missing label", rtvi.ErrProtocol),
			kind: FaultProtocol,
		},
		{
			name: "cancelled",
			err:  context.Canceled,
			kind: FaultUnknown,
		},
		{
			name: "other",
			err:  errors.New("ice: no candidates"),
			kind: FaultUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := Classify(tt.err)
			if f.Kind != tt.kind || f.StatusCode != tt.status {
				t.Errorf("Classify = %s/%d, want %s/%d", f.Kind, f.StatusCode, tt.kind, tt.status)
			}
			if !errors.Is(f, tt.err) {
				t.Error("fault should wrap the original error")
			}
			msg := f.UserMessage()
			if tt.maintenance && msg != MaintenanceMessage {
				t.Errorf("UserMessage = %q, want maintenance message", msg)
			}
			if !tt.maintenance && msg != tt.err.Error() {
				t.Errorf("UserMessage = %q, want passthrough %q", msg, tt.err.Error())
			}
		})
	}
}

func TestClassify_NilAndIdempotent(t *testing.T) {
	t.Parallel()

	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	f := Classify(errors.New("x"))
	if Classify(fmt.Errorf("wrapped: %w", f)) != f {
		t.Error("classifying a fault should return it unchanged")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]State{
		{StateIdle, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateFailed},
		{StateConnected, StateFailed},
		{StateConnected, StateDisconnecting},
		{StateDisconnecting, StateIdle},
		{StateFailed, StateConnecting},
		{StateFailed, StateIdle},
	}
	for _, p := range legal {
		if !CanTransition(p[0], p[1]) {
			t.Errorf("%s → %s should be legal", p[0], p[1])
		}
	}
	illegal := [][2]State{
		{StateIdle, StateConnected},
		{StateIdle, StateFailed},
		{StateDisconnecting, StateFailed},
		{StateFailed, StateConnected},
	}
	for _, p := range illegal {
		if CanTransition(p[0], p[1]) {
			t.Errorf("%s → %s should be illegal", p[0], p[1])
		}
	}
}

func TestScenarioPayload(t *testing.T) {
	t.Parallel()

	sc := Scenario{
		ID:          "ordering-food",
		Title:       "At the restaurant",
		Objectives:  []string{"1", "2", "3", "4", "5", "6", "7"},
		Tags:        []string{"food"},
		Difficulty:  DifficultyBeginner,
		EnableVideo: true,
	}
	p := sc.Payload()
	if p.ScenarioID != "ordering-food" || !p.EnableVideo {
		t.Errorf("payload = %+v", p)
	}
	if p.ScenarioDetails == nil || len(p.ScenarioDetails.Objectives) != MaxObjectives {
		t.Fatalf("details = %+v", p.ScenarioDetails)
	}
	if len(sc.Objectives) != 7 {
		t.Error("Payload must not modify the scenario")
	}

	raw, err := json.Marshal(Scenario{ID: "bare"}.Payload())
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"scenarioId":"bare","enableVideo":false}` {
		t.Errorf("bare payload = %s", raw)
	}
}

func TestScenarioValidate(t *testing.T) {
	t.Parallel()

	if err := (Scenario{ID: "x", Difficulty: "expert"}).Validate(); err == nil {
		t.Error("unknown difficulty should fail")
	}
	if err := (Scenario{ID: "x", Difficulty: DifficultyAdvanced}).Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
