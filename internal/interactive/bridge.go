// Package interactive correlates server-issued interactive challenges
// (keyboard-interactive prompts, key passphrase requests) with exactly one
// external response each.
//
// The pending table is shared by shell sessions, SFTP sessions and every
// chain hop: whichever connection triggers a challenge, the response comes
// back through the same Respond call. Abandoned challenges self-cancel after
// a TTL so a forgotten dialog can never wedge an authentication attempt.
package interactive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultTTL is the pending-request lifetime when NewBridge gets zero.
const DefaultTTL = 5 * time.Minute

// ErrUnknownRequest is returned for a response whose request id is not (or
// no longer) pending. Non-fatal: the caller reports it and moves on.
var ErrUnknownRequest = errors.New("interactive: unknown request id")

// Kind distinguishes what the user is being asked for.
type Kind string

const (
	// KindChallenge is a keyboard-interactive challenge with named prompts.
	KindChallenge Kind = "challenge"

	// KindPassphrase asks for the passphrase of an encrypted private key.
	KindPassphrase Kind = "passphrase"
)

// Prompt is one question within a challenge.
type Prompt struct {
	Text string
	Echo bool // false for secrets: do not echo typed characters
}

// Request is a pending interactive challenge as shown to the user.
type Request struct {
	ID          string
	Kind        Kind
	SurfaceID   string // UI surface that should present the prompt
	SessionID   string // session the challenge belongs to
	Name        string
	Instruction string
	Prompts     []Prompt
	CreatedAt   time.Time
}

// FinishFunc receives the user's responses, or nil on cancel/timeout.
// It is invoked exactly once per stored request.
type FinishFunc func(responses []string)

type pending struct {
	req    Request
	finish FinishFunc
	once   sync.Once
}

func (p *pending) settle(responses []string) {
	p.once.Do(func() { p.finish(responses) })
}

// Bridge owns the pending-request table.
//
// Safe for concurrent use. The TTL timer and an explicit response race to
// remove the same entry; whichever wins, the finish function runs once.
type Bridge struct {
	cache *ttlcache.Cache[string, *pending]

	mu      sync.RWMutex
	handler func(Request)
}

// NewBridge creates a Bridge whose pending requests expire after ttl
// (DefaultTTL when ttl is zero). Call Close when done.
func NewBridge(ttl time.Duration) *Bridge {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	b := &Bridge{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *pending](ttl),
			ttlcache.WithDisableTouchOnHit[string, *pending](),
		),
	}

	b.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pending]) {
		// Explicit Delete fires eviction too; only the TTL path
		// auto-finishes here. Respond/Cancel settle before deleting.
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		p := item.Value()
		log.Warnf("interactive request %s timed out, finishing with empty responses", p.req.ID)
		p.settle(nil)
	})

	go b.cache.Start()
	return b
}

// Close stops the TTL janitor. Pending requests are settled with empty
// responses so no caller blocks forever.
func (b *Bridge) Close() {
	for _, item := range b.cache.Items() {
		item.Value().settle(nil)
	}
	b.cache.DeleteAll()
	b.cache.Stop()
}

// SetHandler registers the callback that presents a new Request to the UI.
// A nil handler leaves requests pending until Respond or timeout.
func (b *Bridge) SetHandler(h func(Request)) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Store registers a challenge and returns its id (generated when empty).
// finish runs exactly once: with the user's responses, or with nil after a
// cancel or TTL expiry.
func (b *Bridge) Store(req Request, finish FinishFunc) string {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now()

	b.cache.Set(req.ID, &pending{req: req, finish: finish}, ttlcache.DefaultTTL)

	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil {
		h(req)
	}

	return req.ID
}

// Respond delivers the user's responses for a pending request.
func (b *Bridge) Respond(id string, responses []string) error {
	return b.take(id, responses)
}

// Cancel settles a pending request with empty responses.
func (b *Bridge) Cancel(id string) error {
	return b.take(id, nil)
}

// take removes the entry and settles it. Check-then-delete is atomic with
// respect to the TTL path: once the entry is gone, the expiry callback can
// no longer see it, and the per-entry once guards the remaining window.
func (b *Bridge) take(id string, responses []string) error {
	item := b.cache.Get(id)
	if item == nil {
		return ErrUnknownRequest
	}
	b.cache.Delete(id)
	item.Value().settle(responses)
	return nil
}

// Pending returns the number of outstanding requests.
func (b *Bridge) Pending() int {
	return b.cache.Len()
}

// Ask stores a challenge and blocks until it is answered, cancelled, timed
// out, or ctx ends. It returns the responses (nil means cancelled/empty).
func (b *Bridge) Ask(ctx context.Context, req Request) ([]string, error) {
	done := make(chan []string, 1)

	id := b.Store(req, func(responses []string) {
		done <- responses
	})

	select {
	case responses := <-done:
		return responses, nil
	case <-ctx.Done():
		// Best effort: drop the entry so the table does not hold a
		// finish func whose receiver has left.
		_ = b.Cancel(id)
		return nil, ctx.Err()
	}
}
