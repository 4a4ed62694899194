package prompt

import (
	"math/rand"

	"github.com/jerryplusy/mioku/internal/config"
)

// Picker makes the probabilistic persona choices for one reply.
type Picker struct {
	randFn func() float64
	pickFn func(n int) int
}

// NewPicker creates a picker using the default random source.
func NewPicker() *Picker {
	return &Picker{randFn: rand.Float64, pickFn: rand.Intn}
}

// PickState selects a transient personality state with the configured
// probability, or "" for none.
func (p *Picker) PickState(cfg config.PersonalityConfig) string {
	if len(cfg.States) == 0 || p.randFn() >= cfg.StateProbability {
		return ""
	}
	return cfg.States[p.pickFn(len(cfg.States))]
}

// PickStyle selects an alternate reply style with the configured
// probability, falling back to the base style.
func (p *Picker) PickStyle(cfg config.ReplyStyleConfig) string {
	if len(cfg.MultipleStyles) > 0 && p.randFn() < cfg.MultipleProbability {
		return cfg.MultipleStyles[p.pickFn(len(cfg.MultipleStyles))]
	}
	return cfg.BaseStyle
}
