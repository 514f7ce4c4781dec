package session

import "time"

// Config carries every tunable of a session. Sessions are configured
// explicitly per instance; there are no process-wide singletons, so multiple
// rooms run fully independent managers.
type Config struct {
	// RendezvousBaseURL is the HTTP base of the rendezvous server. Required.
	RendezvousBaseURL string

	// PBKDF2Iterations is the key derivation cost. Every peer of a room must
	// use the same value.
	PBKDF2Iterations int

	AnnounceInterval   time.Duration
	PollInterval       time.Duration
	RequestDeadline    time.Duration
	NegotiationBudget  time.Duration
	AuthResponseBudget time.Duration

	// ReconnectBackoff is the minimum delay before re-dialing the relay;
	// each attempt doubles it up to ReconnectBackoffMax, plus jitter.
	ReconnectBackoff    time.Duration
	ReconnectBackoffMax time.Duration

	// ICEServers lists STUN/TURN URLs for transport negotiation.
	ICEServers []string
}

// DefaultConfig returns a Config with the standard timings.
func DefaultConfig(rendezvousBaseURL string) Config {
	return Config{
		RendezvousBaseURL:   rendezvousBaseURL,
		PBKDF2Iterations:    100000,
		AnnounceInterval:    60 * time.Second,
		PollInterval:        30 * time.Second,
		RequestDeadline:     10 * time.Second,
		NegotiationBudget:   30 * time.Second,
		AuthResponseBudget:  5 * time.Second,
		ReconnectBackoff:    5 * time.Second,
		ReconnectBackoffMax: 60 * time.Second,
		ICEServers: []string{
			"stun:stun.cloudflare.com:3478",
			"stun:stun.l.google.com:19302",
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.RendezvousBaseURL)
	if c.PBKDF2Iterations == 0 {
		c.PBKDF2Iterations = d.PBKDF2Iterations
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = d.AnnounceInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RequestDeadline == 0 {
		c.RequestDeadline = d.RequestDeadline
	}
	if c.NegotiationBudget == 0 {
		c.NegotiationBudget = d.NegotiationBudget
	}
	if c.AuthResponseBudget == 0 {
		c.AuthResponseBudget = d.AuthResponseBudget
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.ReconnectBackoffMax == 0 {
		c.ReconnectBackoffMax = d.ReconnectBackoffMax
	}
	if c.ICEServers == nil {
		c.ICEServers = d.ICEServers
	}
	return c
}
