package handler

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront-cart/internal/domain/auth"
)

const (
	// HeaderAPIKey carries the client API key.
	HeaderAPIKey = "api_key"
	// HeaderUserID carries the shopper identity vouched for by the client.
	HeaderUserID = "X-User-ID"
)

var errUnauthorized = errors.New("unauthorized")

type userKey struct{}

// UserID returns the authenticated shopper of a request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// WithUserID returns ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// Security authenticates API clients by HMAC-SHA256 hashed API keys and
// reads the shopper identity they assert.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security over apikeys with the given HMAC pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{apikeys: apikeys, pepper: pepper}
}

// Middleware rejects requests without a valid API key or user identity.
func (s *Security) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		info, err := s.authenticate(ctx, r.Header.Get(HeaderAPIKey))
		if err != nil {
			if !errors.Is(err, errUnauthorized) {
				zctx.From(ctx).Error("Authenticate", zap.Error(err))
			}
			writeStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" || len(userID) > 128 {
			writeStatus(w, http.StatusUnauthorized, "missing user identity")
			return
		}

		ctx = WithUserID(ctx, userID)
		ctx = zctx.With(ctx, zap.String("user_id", userID), zap.String("api_key", info.Name))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Security) authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error) {
	if key == "" {
		return nil, errUnauthorized
	}
	hash := auth.HashKey(s.pepper, key)
	info, err := s.apikeys.FindByHash(ctx, hash)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return nil, errUnauthorized
	case err != nil:
		return nil, errors.Wrap(err, "find api key")
	}

	want, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, errUnauthorized
	}
	got, _ := hex.DecodeString(hash)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, errUnauthorized
	}
	return info, nil
}
