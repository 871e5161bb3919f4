// gate.go implements the signal gate chain between strategies and risk.
package strategy

import (
	"fmt"
	"strings"

	"topstepx-engine/pkg/models"
)

// RejectML is the reason attached when the confirmation gate blocks a
// signal.
const RejectML = "ML_REJECT"

// RejectRLSuppressed is the reason when the sizing policy chooses zero.
const RejectRLSuppressed = "RL_SUPPRESS"

// Gate filters or rewrites a signal before it reaches the risk manager.
// ok=false means the signal is dropped; reason explains why in the
// activity log.
type Gate interface {
	Name() string
	Apply(sig models.Signal) (out models.Signal, ok bool, reason string)
}

// Validator scores a signal's win probability. ready=false means the model
// is not loaded, which the gate treats as pass-through.
type Validator interface {
	PWin(sig models.Signal) (p float64, ready bool)
}

// SizePolicy maps a signal to a contract count in {0, 1, ..., sizeMax}.
// ready=false means no policy is loaded.
type SizePolicy interface {
	Size(sig models.Signal) (size int, ready bool)
}

// ————————————————————————————————————————————————————————————————————————

// IdentityGate passes every signal unchanged. It is the default when no ML
// components are configured.
type IdentityGate struct{}

func (IdentityGate) Name() string { return "rule_based" }

func (IdentityGate) Apply(sig models.Signal) (models.Signal, bool, string) {
	return sig, true, ""
}

// ————————————————————————————————————————————————————————————————————————

// ConfirmationGate passes a signal only when the validator scores
// p(win) >= threshold. A missing model passes everything: the engine must
// be safe to run without ML.
type ConfirmationGate struct {
	validator Validator
	threshold float64
}

// NewConfirmationGate creates an ML confirmation gate. validator may be nil.
func NewConfirmationGate(validator Validator, threshold float64) *ConfirmationGate {
	return &ConfirmationGate{validator: validator, threshold: threshold}
}

func (g *ConfirmationGate) Name() string { return "ml_confirmation" }

func (g *ConfirmationGate) Apply(sig models.Signal) (models.Signal, bool, string) {
	if g.validator == nil {
		return sig, true, ""
	}
	p, ready := g.validator.PWin(sig)
	if !ready {
		return sig, true, ""
	}
	if p < g.threshold {
		return sig, false, fmt.Sprintf("%s: p(win)=%.3f < %.3f", RejectML, p, g.threshold)
	}
	if sig.Metadata == nil {
		sig.Metadata = map[string]any{}
	}
	sig.Metadata["p_win"] = p
	return sig, true, ""
}

// ————————————————————————————————————————————————————————————————————————

// SizingGate rewrites the signal size using an RL policy with the bounded
// action space {0, 1, ..., sizeMax}; zero suppresses the signal.
type SizingGate struct {
	policy  SizePolicy
	sizeMax int
}

// NewSizingGate creates an RL sizing gate. policy may be nil.
func NewSizingGate(policy SizePolicy, sizeMax int) *SizingGate {
	if sizeMax < 1 {
		sizeMax = 1
	}
	return &SizingGate{policy: policy, sizeMax: sizeMax}
}

func (g *SizingGate) Name() string { return "rl_agent" }

func (g *SizingGate) Apply(sig models.Signal) (models.Signal, bool, string) {
	if g.policy == nil {
		return sig, true, ""
	}
	size, ready := g.policy.Size(sig)
	if !ready {
		return sig, true, ""
	}
	if size <= 0 {
		return sig, false, fmt.Sprintf("%s: policy chose size 0", RejectRLSuppressed)
	}
	if size > g.sizeMax {
		size = g.sizeMax
	}
	sig.Size = size
	return sig, true, ""
}

// ————————————————————————————————————————————————————————————————————————

// Chain applies gates in order, stopping at the first rejection.
type Chain []Gate

func (c Chain) Name() string {
	if len(c) == 0 {
		return IdentityGate{}.Name()
	}
	name := c[0].Name()
	for _, g := range c[1:] {
		name += "+" + g.Name()
	}
	return name
}

func (c Chain) Apply(sig models.Signal) (models.Signal, bool, string) {
	out := sig
	for _, g := range c {
		var ok bool
		var reason string
		out, ok, reason = g.Apply(out)
		if !ok {
			return out, false, reason
		}
	}
	return out, true, ""
}

// ————————————————————————————————————————————————————————————————————————

// AgentType selects the decision stack a bot runs on top of its strategies.
// It is a closed set; anything else is a configuration error.
type AgentType string

const (
	AgentRuleBased      AgentType = "rule_based"
	AgentMLConfirmation AgentType = "ml_confirmation"
	AgentRLAgent        AgentType = "rl_agent"
)

// Gate defaults used until model artifacts are wired in.
const (
	defaultConfirmThreshold = 0.55
	defaultSizeMax          = 3
)

// ParseAgentType validates an agent type from config. Empty means
// rule_based; unknown values fail the load rather than degrade silently.
func ParseAgentType(s string) (AgentType, error) {
	switch at := AgentType(strings.ToLower(strings.TrimSpace(s))); at {
	case "":
		return AgentRuleBased, nil
	case AgentRuleBased, AgentMLConfirmation, AgentRLAgent:
		return at, nil
	default:
		return "", fmt.Errorf("unknown ai_agent_type %q (want rule_based, ml_confirmation or rl_agent)", s)
	}
}

// ChainFor builds the gate chain an agent type implies. Validators and
// policies are attached later; absent models pass signals through.
func ChainFor(at AgentType) Chain {
	switch at {
	case AgentMLConfirmation:
		return Chain{NewConfirmationGate(nil, defaultConfirmThreshold)}
	case AgentRLAgent:
		return Chain{NewConfirmationGate(nil, defaultConfirmThreshold), NewSizingGate(nil, defaultSizeMax)}
	default:
		return Chain{IdentityGate{}}
	}
}
