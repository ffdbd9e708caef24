// Package behavior maintains per-user smoothed signals: messaging
// rhythm, engagement, affect and the trust preferences that gate
// proactive sends.
package behavior

// Dial is the proactiveness level derived from the trust score.
type Dial string

const (
	DialConservative Dial = "conservative"
	DialModerate     Dial = "moderate"
	DialEager        Dial = "eager"
)

const (
	initialTrust = 0.5

	// Dismissals cost more than acceptances earn, so trust is slow to
	// build and quick to fall.
	trustGain = 0.10
	trustLoss = 0.15

	dialConservativeBelow = 0.35
	dialEagerFrom         = 0.70
)

// Preferences gate the proactive evaluator.
type Preferences struct {
	TrustScore float64 `json:"trust_score"`
	Dial       Dial    `json:"proactiveness_dial"`
}

// Patterns holds one user's smoothed behavioral signals. Pointer fields
// are nil until enough data exists to compute them.
type Patterns struct {
	MessageFrequency  *float64 `json:"message_frequency,omitempty"`  // user messages per day
	SessionEngagement *float64 `json:"session_engagement,omitempty"` // avg messages per session
	TopicSwitch       *float64 `json:"topic_switch,omitempty"`       // avg embedding distance between consecutive messages
	ResponseLength    *float64 `json:"response_length,omitempty"`    // avg user message chars
	SmoothedAffect    *float64 `json:"smoothed_affect,omitempty"`    // [-1, 1]
	ActiveHours       []int    `json:"active_hours,omitempty"`       // UTC hours with real activity

	Preferences Preferences `json:"preferences"`
}

// NewPatterns returns the cold-start state.
func NewPatterns() *Patterns {
	return &Patterns{
		Preferences: Preferences{TrustScore: initialTrust, Dial: DialModerate},
	}
}

// ApplyFeedback moves the trust score on one resolved suggestion and
// re-derives the dial.
func (p *Patterns) ApplyFeedback(accepted bool) {
	if accepted {
		p.Preferences.TrustScore += trustGain
	} else {
		p.Preferences.TrustScore -= trustLoss
	}
	if p.Preferences.TrustScore > 1 {
		p.Preferences.TrustScore = 1
	}
	if p.Preferences.TrustScore < 0 {
		p.Preferences.TrustScore = 0
	}
	p.Preferences.Dial = dialFor(p.Preferences.TrustScore)
}

func dialFor(trust float64) Dial {
	switch {
	case trust < dialConservativeBelow:
		return DialConservative
	case trust >= dialEagerFrom:
		return DialEager
	default:
		return DialModerate
	}
}

// IsActiveHour reports whether the user is usually active at the given
// UTC hour. No data means always active.
func (p *Patterns) IsActiveHour(hour int) bool {
	if len(p.ActiveHours) == 0 {
		return true
	}
	for _, h := range p.ActiveHours {
		if h == hour {
			return true
		}
	}
	return false
}

// Distressed reports whether smoothed affect indicates the user is
// having a bad time; proactive sends back off.
func (p *Patterns) Distressed() bool {
	return p.SmoothedAffect != nil && *p.SmoothedAffect < -0.4
}
