package session

import (
	"time"

	"github.com/marcogenualdo/oidc-rp/internal/config"
	"github.com/marcogenualdo/oidc-rp/internal/provider"
)

// Policy is the effective session configuration for one provider.
type Policy struct {
	ExpirationCheck          bool
	AutomaticRefresh         bool
	ExpirationThreshold      time.Duration
	MaxAge                   time.Duration
	SingleSignOut            bool
	MissingPersistentSession MissingSessionPolicy
}

func resolvePolicy(global config.SessionConfig, override provider.SessionPolicy) Policy {
	p := Policy{
		ExpirationCheck:          global.ExpirationCheckEnabled(),
		AutomaticRefresh:         global.AutomaticRefreshEnabled(),
		ExpirationThreshold:      global.ExpirationThreshold,
		MaxAge:                   global.MaxAge,
		SingleSignOut:            global.SingleSignOut,
		MissingPersistentSession: MissingSessionPolicy(global.MissingPersistentSession),
	}

	if override.ExpirationCheck != nil {
		p.ExpirationCheck = *override.ExpirationCheck
	}
	if override.AutomaticRefresh != nil {
		p.AutomaticRefresh = *override.AutomaticRefresh
	}
	if override.ExpirationThreshold != nil {
		p.ExpirationThreshold = *override.ExpirationThreshold
	}
	if override.MaxAge != nil {
		p.MaxAge = *override.MaxAge
	}
	if override.SingleSignOut != nil {
		p.SingleSignOut = *override.SingleSignOut
	}
	if override.MissingPersistentSession != nil {
		p.MissingPersistentSession = MissingSessionPolicy(*override.MissingPersistentSession)
	}
	if p.MissingPersistentSession == "" {
		p.MissingPersistentSession = MissingClear
	}

	return p
}

// MissingSessionAction is the policy applied when a refreshable session has
// no persistent record. Single sign-out sessions always clear.
func (p Policy) MissingSessionAction() MissingSessionPolicy {
	if p.SingleSignOut {
		return MissingClear
	}
	return p.MissingPersistentSession
}
