// ABOUTME: Connection handshake identity resolution from HTTP requests
// ABOUTME: Resolves bearer/query/cookie tokens, falling back to guest identity

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// SessionCookie is the cookie browsers carry a session JWT in.
const SessionCookie = "rift_session"

// Identity is the outcome of a connection handshake. Guest identities carry a
// synthetic principal ID so per-connection state still has a stable key; it is
// dispatch, not the handshake, that refuses them access.
type Identity struct {
	PrincipalID string
	Guest       bool
}

// Authenticated reports whether the identity belongs to a verified principal.
func (i Identity) Authenticated() bool {
	return !i.Guest
}

// Authenticator resolves connection identities during the HTTP upgrade.
type Authenticator struct {
	verifier TokenVerifier
	devMode  bool
	logger   *slog.Logger
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithDevMode enables the unverified `principal` query parameter. Local
// development only.
func WithDevMode(enabled bool) Option {
	return func(a *Authenticator) { a.devMode = enabled }
}

// WithLogger sets the logger used for handshake diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger.With("component", "auth") }
}

// NewAuthenticator creates an authenticator backed by the given verifier.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		logger:   slog.Default().With("component", "auth"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Identify resolves the caller's identity from an upgrade request. Credential
// sources are tried in order: Authorization bearer header, `token` query
// parameter, session cookie, and (dev mode only) an explicit `principal` query
// parameter. Invalid or absent credentials yield a guest identity rather than
// an error so the connection can still be established.
func (a *Authenticator) Identify(r *http.Request) Identity {
	for _, token := range a.candidateTokens(r) {
		principalID, err := a.verifier.Verify(token)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			continue
		}
		return Identity{PrincipalID: principalID}
	}

	if a.devMode {
		if principal := r.URL.Query().Get("principal"); principal != "" {
			a.logger.Warn("dev-mode principal accepted without verification", "principal_id", principal)
			return Identity{PrincipalID: principal}
		}
	}

	return Identity{PrincipalID: "guest:" + uuid.NewString(), Guest: true}
}

func (a *Authenticator) candidateTokens(r *http.Request) []string {
	var tokens []string
	if header := r.Header.Get("Authorization"); header != "" {
		if token := strings.TrimPrefix(header, "Bearer "); token != header && token != "" {
			tokens = append(tokens, token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		tokens = append(tokens, token)
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		tokens = append(tokens, cookie.Value)
	}
	return tokens
}
