// Package identity resolves the stable per-browser user id and mints
// per-page-load session ids.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserIDKey is the storage key holding the persisted user id.
const UserIDKey = "analytics_user_id"

const suffixLength = 9

var ErrStoreUnavailable = errors.New("identity store unavailable")

// Store is durable key-value storage that survives across sessions.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// SetIfAbsent writes value unless key already holds a non-empty one,
	// and returns whichever value is stored afterwards.
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

// NewToken returns "<prefix>_<unix millis>_<random suffix>". Tokens are unique
// enough for attribution, not for security.
func NewToken(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
	return fmt.Sprintf("%s_%d_%s", prefix, now.UnixMilli(), suffix)
}

type Provider struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

type Options struct {
	Store  Store
	Clock  func() time.Time
	Logger *slog.Logger
}

func NewProvider(opts Options) *Provider {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Provider{store: store, clock: clock, logger: logger.With("component", "identity")}
}

// GetOrCreateUserID loads the persisted user id, creating and storing one on
// first use.
func (p *Provider) GetOrCreateUserID(ctx context.Context) (string, error) {
	userID, ok, err := p.store.Get(ctx, UserIDKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ok && userID != "" {
		return userID, nil
	}
	stored, err := p.store.SetIfAbsent(ctx, UserIDKey, NewToken("user", p.clock()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if stored == "" {
		return "", fmt.Errorf("%w: empty %s after write", ErrStoreUnavailable, UserIDKey)
	}
	return stored, nil
}

// ResolveUserID is GetOrCreateUserID that never fails: when storage is
// unusable it returns an ephemeral id valid for this page load only.
func (p *Provider) ResolveUserID(ctx context.Context) string {
	userID, err := p.GetOrCreateUserID(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "falling back to ephemeral user id", "error", err)
		return NewToken("user", p.clock())
	}
	return userID
}

func (p *Provider) NewSessionID() string {
	return NewToken("session", p.clock())
}
