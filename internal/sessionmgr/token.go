package sessionmgr

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/rustamtm/termgw/internal/gwerr"
)

// ViewKind distinguishes a raw-view attach token from a chat-view one.
type ViewKind string

const (
	ViewRaw  ViewKind = "raw"
	ViewChat ViewKind = "chat"
)

// TokenTTL is how long an issued attach token remains consumable.
const TokenTTL = 60 * time.Second

// Binding is what an attach token resolves to on consumption.
type Binding struct {
	SessionID string
	UserID    string
	View      ViewKind
	Cols, Rows int
}

type entry struct {
	binding   Binding
	expiresAt time.Time
}

// AttachTokenRegistry issues short-lived, single-use tokens that bridge an
// HTTP-authorized attach request to a subsequent WebSocket upgrade. The
// token itself, not the WS handshake, is the capability — see design notes
// in SPEC_FULL.md §9.
type AttachTokenRegistry struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewAttachTokenRegistry creates an empty registry.
func NewAttachTokenRegistry() *AttachTokenRegistry {
	return &AttachTokenRegistry{entries: make(map[string]entry)}
}

// Issue creates a new single-use token bound to b, valid for TokenTTL.
func (r *AttachTokenRegistry) Issue(b Binding) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindSpawn, "generate attach token", err)
	}

	r.mu.Lock()
	r.sweepLocked()
	r.entries[token] = entry{binding: b, expiresAt: time.Now().Add(TokenTTL)}
	r.mu.Unlock()

	return token, nil
}

// Consume atomically removes and returns the binding for token, or fails
// if the token is unknown, expired, or already consumed.
func (r *AttachTokenRegistry) Consume(token string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return Binding{}, gwerr.New(gwerr.KindAuth, "unknown attach token")
	}
	delete(r.entries, token)
	if time.Now().After(e.expiresAt) {
		return Binding{}, gwerr.New(gwerr.KindAuth, "expired attach token")
	}
	return e.binding, nil
}

// sweepLocked evicts expired, never-consumed tokens. Must be called with
// mu held.
func (r *AttachTokenRegistry) sweepLocked() {
	now := time.Now()
	for k, e := range r.entries {
		if now.After(e.expiresAt) {
			delete(r.entries, k)
		}
	}
}

func randomToken() (string, error) {
	var b [16]byte // 128 bits of entropy
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
