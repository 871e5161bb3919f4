package strategy

import (
	"strings"
	"testing"

	"topstepx-engine/pkg/models"
)

type fakeValidator struct {
	p     float64
	ready bool
}

func (f fakeValidator) PWin(models.Signal) (float64, bool) { return f.p, f.ready }

type fakePolicy struct {
	size  int
	ready bool
}

func (f fakePolicy) Size(models.Signal) (int, bool) { return f.size, f.ready }

func testSignal() models.Signal {
	return models.Signal{Symbol: "MESZ25", Side: models.BUY, Confidence: 0.7, Size: 1, Strategy: "ema_cross(9,21)"}
}

func TestIdentityGatePassesUnchanged(t *testing.T) {
	t.Parallel()
	in := testSignal()
	out, ok, reason := IdentityGate{}.Apply(in)
	if !ok || reason != "" {
		t.Fatalf("identity rejected: %s", reason)
	}
	if out.Size != in.Size || out.Side != in.Side {
		t.Errorf("identity mutated the signal: %+v", out)
	}
	if (IdentityGate{}).Name() != "rule_based" {
		t.Errorf("name = %s", (IdentityGate{}).Name())
	}
}

func TestConfirmationGateRejectsBelowThreshold(t *testing.T) {
	t.Parallel()
	g := NewConfirmationGate(fakeValidator{p: 0.40, ready: true}, 0.55)
	_, ok, reason := g.Apply(testSignal())
	if ok {
		t.Fatal("p(win) below threshold must reject")
	}
	if !strings.HasPrefix(reason, RejectML) {
		t.Errorf("reason = %q, want %s prefix", reason, RejectML)
	}
}

func TestConfirmationGateRecordsPWin(t *testing.T) {
	t.Parallel()
	g := NewConfirmationGate(fakeValidator{p: 0.80, ready: true}, 0.55)
	out, ok, _ := g.Apply(testSignal())
	if !ok {
		t.Fatal("p(win) above threshold must pass")
	}
	if p, _ := out.Metadata["p_win"].(float64); p != 0.80 {
		t.Errorf("p_win metadata = %v", out.Metadata["p_win"])
	}
}

func TestConfirmationGatePassThroughWithoutModel(t *testing.T) {
	t.Parallel()
	// No validator at all.
	if _, ok, _ := NewConfirmationGate(nil, 0.55).Apply(testSignal()); !ok {
		t.Error("nil validator must pass through")
	}
	// Validator present but the model is not loaded yet.
	g := NewConfirmationGate(fakeValidator{p: 0.10, ready: false}, 0.55)
	if _, ok, _ := g.Apply(testSignal()); !ok {
		t.Error("not-ready validator must pass through")
	}
}

func TestSizingGateRewritesAndClamps(t *testing.T) {
	t.Parallel()
	g := NewSizingGate(fakePolicy{size: 3, ready: true}, 5)
	out, ok, _ := g.Apply(testSignal())
	if !ok || out.Size != 3 {
		t.Fatalf("size = %d, want 3", out.Size)
	}

	g = NewSizingGate(fakePolicy{size: 9, ready: true}, 5)
	out, _, _ = g.Apply(testSignal())
	if out.Size != 5 {
		t.Errorf("size above the action space must clamp to 5, got %d", out.Size)
	}
}

func TestSizingGateZeroSuppresses(t *testing.T) {
	t.Parallel()
	g := NewSizingGate(fakePolicy{size: 0, ready: true}, 5)
	_, ok, reason := g.Apply(testSignal())
	if ok {
		t.Fatal("size 0 must suppress the signal")
	}
	if !strings.HasPrefix(reason, RejectRLSuppressed) {
		t.Errorf("reason = %q, want %s prefix", reason, RejectRLSuppressed)
	}
}

func TestSizingGatePassThroughWithoutPolicy(t *testing.T) {
	t.Parallel()
	if _, ok, _ := NewSizingGate(nil, 5).Apply(testSignal()); !ok {
		t.Error("nil policy must pass through")
	}
	g := NewSizingGate(fakePolicy{size: 0, ready: false}, 5)
	if _, ok, _ := g.Apply(testSignal()); !ok {
		t.Error("not-ready policy must pass through")
	}
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	t.Parallel()
	c := Chain{
		IdentityGate{},
		NewConfirmationGate(fakeValidator{p: 0.20, ready: true}, 0.55),
		NewSizingGate(fakePolicy{size: 3, ready: true}, 5),
	}
	out, ok, reason := c.Apply(testSignal())
	if ok {
		t.Fatal("chain must reject when a member rejects")
	}
	if !strings.HasPrefix(reason, RejectML) {
		t.Errorf("reason = %q, want the confirmation gate's", reason)
	}
	// The sizing gate must not have run after the rejection.
	if out.Size == 3 {
		t.Error("gates after a rejection must not apply")
	}

	if got := c.Name(); got != "rule_based+ml_confirmation+rl_agent" {
		t.Errorf("chain name = %s", got)
	}
	if got := (Chain{}).Name(); got != "rule_based" {
		t.Errorf("empty chain name = %s", got)
	}
}

func TestParseAgentType(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want AgentType
	}{
		{"", AgentRuleBased},
		{"rule_based", AgentRuleBased},
		{"ml_confirmation", AgentMLConfirmation},
		{"rl_agent", AgentRLAgent},
		{" RL_Agent ", AgentRLAgent},
	}
	for _, tc := range cases {
		got, err := ParseAgentType(tc.in)
		if err != nil {
			t.Errorf("ParseAgentType(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseAgentType(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}

	if _, err := ParseAgentType("quantum_oracle"); err == nil {
		t.Error("unknown agent type must fail, not degrade to rule_based")
	}
}

func TestChainForSelectsGates(t *testing.T) {
	t.Parallel()
	if got := ChainFor(AgentRuleBased).Name(); got != "rule_based" {
		t.Errorf("rule_based chain = %s", got)
	}
	if got := ChainFor(AgentMLConfirmation).Name(); got != "ml_confirmation" {
		t.Errorf("ml_confirmation chain = %s", got)
	}
	if got := ChainFor(AgentRLAgent).Name(); got != "ml_confirmation+rl_agent" {
		t.Errorf("rl_agent chain = %s", got)
	}

	// Without model artifacts loaded, every chain passes signals through.
	for _, at := range []AgentType{AgentRuleBased, AgentMLConfirmation, AgentRLAgent} {
		if _, ok, reason := ChainFor(at).Apply(testSignal()); !ok {
			t.Errorf("%s chain rejected without a model: %s", at, reason)
		}
	}
}

func TestChainAppliesAllWhenClean(t *testing.T) {
	t.Parallel()
	c := Chain{
		NewConfirmationGate(fakeValidator{p: 0.90, ready: true}, 0.55),
		NewSizingGate(fakePolicy{size: 2, ready: true}, 5),
	}
	out, ok, _ := c.Apply(testSignal())
	if !ok {
		t.Fatal("clean chain must pass")
	}
	if out.Size != 2 {
		t.Errorf("size = %d, want 2", out.Size)
	}
	if _, found := out.Metadata["p_win"]; !found {
		t.Error("p_win metadata missing after a full pass")
	}
}
