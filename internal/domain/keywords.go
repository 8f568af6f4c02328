package domain

import (
	"context"
	"time"
)

// DefaultActivationThreshold is used when an agent has no explicit threshold.
const DefaultActivationThreshold = 0.3

// CapabilityKeywords is the keyword list backing one capability.
type CapabilityKeywords struct {
	Keywords []string `json:"keywords" yaml:"keywords"`
	Enabled  bool     `json:"enabled"  yaml:"enabled"`
	Weight   float64  `json:"weight"   yaml:"weight"`
}

// AgentKeywords is the editable activation configuration of one agent.
type AgentKeywords struct {
	Agent        string                        `json:"agent"        yaml:"agent"`
	Capabilities map[string]CapabilityKeywords `json:"capabilities" yaml:"capabilities"`
	Threshold    float64                       `json:"threshold"    yaml:"threshold"`
	Enabled      bool                          `json:"enabled"      yaml:"enabled"`
	UpdatedAt    time.Time                     `json:"updated_at"   yaml:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (k *AgentKeywords) Clone() *AgentKeywords {
	if k == nil {
		return nil
	}
	out := *k
	out.Capabilities = make(map[string]CapabilityKeywords, len(k.Capabilities))
	for name, c := range k.Capabilities {
		c.Keywords = append([]string(nil), c.Keywords...)
		out.Capabilities[name] = c
	}
	return &out
}

// NewAgentKeywords builds an enabled configuration from a capability→keywords map.
func NewAgentKeywords(agent string, caps map[string][]string, threshold float64) *AgentKeywords {
	if threshold <= 0 {
		threshold = DefaultActivationThreshold
	}
	k := &AgentKeywords{
		Agent:        agent,
		Capabilities: make(map[string]CapabilityKeywords, len(caps)),
		Threshold:    threshold,
		Enabled:      true,
		UpdatedAt:    time.Now(),
	}
	for name, kws := range caps {
		k.Capabilities[name] = CapabilityKeywords{
			Keywords: append([]string(nil), kws...),
			Enabled:  true,
			Weight:   1.0,
		}
	}
	return k
}

// KeywordStore persists agent keyword configurations.
type KeywordStore interface {
	// Get returns the configuration for agent, or an error wrapping ErrNotFound.
	Get(ctx context.Context, agent string) (*AgentKeywords, error)
	List(ctx context.Context) ([]*AgentKeywords, error)
	Save(ctx context.Context, cfg *AgentKeywords) error
	Delete(ctx context.Context, agent string) error
}
