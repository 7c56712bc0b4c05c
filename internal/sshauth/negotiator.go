package sshauth

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ErrExhausted means every candidate method was tried (or none matched what
// the server advertised) and authentication still failed.
var ErrExhausted = errors.New("sshauth: all authentication methods exhausted")

// AuthError wraps a failed authentication exchange so callers can tell it
// apart from transport errors and offer fallback credentials instead of a
// raw exception.
type AuthError struct {
	Identity string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Identity, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// defaultAdvertised is used when the server has not yet advertised any
// methods on the first exchange; assuming a conservative fixed set avoids
// deadlocking against servers that stay silent. Keyboard-interactive is
// included so a silent server still gets it as a last resort.
var defaultAdvertised = []string{MethodPublicKey, MethodPassword, MethodKeyboardInteractive}

// Candidate is one credential the negotiator can offer.
type Candidate struct {
	// Method is the wire method name this candidate satisfies.
	Method string

	// Label says where the credential came from, for logs and errors:
	// "agent", "certificate", "private key", "default key id_rsa",
	// "password", "keyboard-interactive".
	Label string

	// Signers carry the key material for publickey candidates.
	Signers []ssh.Signer

	// SignersFunc supplies signers lazily (agent-backed candidates).
	SignersFunc func() ([]ssh.Signer, error)

	// Password carries the secret for password candidates.
	Password string

	attempted bool
}

// Negotiator is an explicit authentication state machine. Inputs are the
// server's currently-advertised remaining methods and a partial-success
// flag; the output is the next untried candidate, or exhaustion.
//
// It is independent of any SSH library's callback shape so it can be unit
// tested without a live server; methods.go adapts it to x/crypto/ssh.
//
// Not safe for concurrent use; one Negotiator serves one connection attempt.
type Negotiator struct {
	identity   string
	candidates []*Candidate

	started       bool
	lastOffered   *Candidate
	offered       []string // distinct method names, in first-offer order
	firstAccepted string
}

// NewNegotiator builds the candidate order for one connection attempt:
// cached method first, then agent/certificate, explicit private key,
// password, default on-disk keys, and keyboard-interactive last.
func NewNegotiator(identity string, candidates []*Candidate, cachedMethod string) *Negotiator {
	n := &Negotiator{identity: identity, candidates: candidates}
	if cachedMethod != "" {
		n.promote(cachedMethod)
	}
	return n
}

// promote moves the first candidate matching method to the front so the
// previously successful method is retried first.
func (n *Negotiator) promote(method string) {
	for i, c := range n.candidates {
		if c.Method == method {
			if i > 0 {
				promoted := n.candidates[i]
				copy(n.candidates[1:i+1], n.candidates[0:i])
				n.candidates[0] = promoted
				log.Debugf("sshauth %s: promoted cached method %s (%s)", n.identity, method, promoted.Label)
			}
			return
		}
	}
}

// Next selects the next untried candidate matching an advertised method and
// marks it attempted. Methods are offered at most once per connection
// attempt, even across partial-success replies. ok is false when no
// candidate remains.
func (n *Negotiator) Next(advertised []string, partialSuccess bool) (c *Candidate, ok bool) {
	if partialSuccess && n.lastOffered != nil && n.firstAccepted == "" {
		// The method offered just before this call got the server past
		// one factor. That is the one worth retrying first next time.
		n.firstAccepted = n.lastOffered.Method
	}

	if len(advertised) == 0 {
		if n.started {
			return nil, false
		}
		advertised = defaultAdvertised
	}
	n.started = true

	for _, cand := range n.candidates {
		if cand.attempted || !contains(advertised, cand.Method) {
			continue
		}
		n.recordOffer(cand)
		log.Debugf("sshauth %s: offering %s (%s)", n.identity, cand.Method, cand.Label)
		return cand, true
	}

	return nil, false
}

// FirstAccepted returns the method to cache after an overall success: the
// first method the server accepted when a partial-success reply identified
// it, or the sole method offered when authentication used exactly one.
//
// When several methods were offered and no partial-success signal arrived
// it returns "". On the library-driven path a rejected offer and a
// partially accepted one look identical to the callbacks, so picking either
// end of the offer order could poison the cache; such flows stay uncached.
func (n *Negotiator) FirstAccepted() string {
	if n.firstAccepted != "" {
		return n.firstAccepted
	}
	if len(n.offered) == 1 {
		return n.offered[0]
	}
	return ""
}

// Attempted lists the labels of every candidate offered so far, for error
// messages.
func (n *Negotiator) Attempted() []string {
	var out []string
	for _, c := range n.candidates {
		if c.attempted {
			out = append(out, c.Label)
		}
	}
	return out
}

// markOffered records an offer made by the ssh library driving the exchange
// (see methods.go), keeping FirstAccepted meaningful on the live path.
func (n *Negotiator) markOffered(c *Candidate) {
	n.recordOffer(c)
	n.started = true
}

func (n *Negotiator) recordOffer(c *Candidate) {
	c.attempted = true
	n.lastOffered = c
	if !contains(n.offered, c.Method) {
		n.offered = append(n.offered, c.Method)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
