// auth.go manages the gateway session token lifecycle.
//
// The gateway issues a JWT from POST /api/Auth/loginKey (username + API key)
// and can extend it via POST /api/Auth/validate. Auth holds the current
// token and its expiry, refreshes before a configurable margin, and
// serializes refresh: concurrent callers during a refresh all await the
// single in-flight login rather than issuing their own.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"topstepx-engine/internal/config"
)

const (
	// tokenLifetime is how long a freshly issued gateway JWT is trusted
	// before a validate/refresh is forced. The gateway's own expiry is
	// 24h; staying under it avoids racing the server clock.
	tokenLifetime = 23 * time.Hour

	// refreshMargin forces a refresh when the token is within this window
	// of expiry.
	refreshMargin = 60 * time.Second
)

// loginKeyRequest is the wire body for Auth/loginKey.
type loginKeyRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

// authResponse is the wire body returned by both Auth endpoints.
type authResponse struct {
	Token        string `json:"token"`
	NewToken     string `json:"newToken"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Auth acquires and refreshes the gateway session token.
type Auth struct {
	http     *resty.Client
	username string
	apiKey   string
	validate bool // use Auth/validate to extend instead of a fresh login
	logger   *slog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewAuth creates an auth manager with its own HTTP client for the two
// Auth endpoints. The broker REST client depends on Auth, not the other
// way around.
func NewAuth(cfg config.BrokerConfig, logger *slog.Logger) *Auth {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Auth{
		http:     httpClient,
		username: cfg.Username,
		apiKey:   cfg.APIKey,
		validate: cfg.ValidateToken,
		logger:   logger.With("component", "auth"),
	}
}

// Acquire forces a fresh login regardless of the cached token.
func (a *Auth) Acquire(ctx context.Context) Result[string] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginLocked(ctx)
}

// EnsureValid returns a token that is valid for at least refreshMargin,
// refreshing when needed. The mutex is held across the refresh call, so a
// burst of concurrent callers performs exactly one login.
func (a *Auth) EnsureValid(ctx context.Context) Result[string] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expiry) > refreshMargin {
		return OK(a.token)
	}

	if a.token != "" && a.validate {
		if res := a.validateLocked(ctx); res.IsOK() {
			return res
		}
		// Validation failed; fall through to a full login.
	}
	return a.loginLocked(ctx)
}

// Invalidate drops the cached token. Called by the REST client after a 401
// so the next EnsureValid performs a real refresh.
func (a *Auth) Invalidate() {
	a.mu.Lock()
	a.token = ""
	a.expiry = time.Time{}
	a.mu.Unlock()
}

// Token returns the cached token without refreshing. Empty when no session
// has been established.
func (a *Auth) Token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Authenticated reports whether a session token is currently held.
func (a *Auth) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token != "" && time.Now().Before(a.expiry)
}

func (a *Auth) loginLocked(ctx context.Context) Result[string] {
	if a.username == "" || a.apiKey == "" {
		return Failf[string](KindAuthFailed, "broker credentials not configured")
	}

	var body authResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(loginKeyRequest{UserName: a.username, APIKey: a.apiKey}).
		SetResult(&body).
		Post("/api/Auth/loginKey")
	if err != nil {
		if ctx.Err() != nil {
			return Fail[string](errFromContext(ctx.Err()))
		}
		return Fail[string](&Error{Kind: KindNetwork, Message: err.Error(), Retriable: true})
	}
	if resp.StatusCode() != 200 {
		return Fail[string](errFromStatus(resp.StatusCode(), resp.String()))
	}
	if !body.Success || body.Token == "" {
		return Failf[string](KindAuthFailed, "login rejected: code %d %s", body.ErrorCode, body.ErrorMessage)
	}

	a.token = body.Token
	a.expiry = time.Now().Add(tokenLifetime)
	a.logger.Info("session token acquired", "expires", a.expiry.Format(time.RFC3339))
	return OK(a.token)
}

func (a *Auth) validateLocked(ctx context.Context) Result[string] {
	var body authResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token).
		SetResult(&body).
		Post("/api/Auth/validate")
	if err != nil {
		if ctx.Err() != nil {
			return Fail[string](errFromContext(ctx.Err()))
		}
		return Fail[string](&Error{Kind: KindNetwork, Message: err.Error(), Retriable: true})
	}
	if resp.StatusCode() != 200 || !body.Success {
		return Failf[string](KindAuthFailed, "token validation failed: status %d", resp.StatusCode())
	}

	if body.NewToken != "" {
		a.token = body.NewToken
	}
	a.expiry = time.Now().Add(tokenLifetime)
	return OK(a.token)
}
