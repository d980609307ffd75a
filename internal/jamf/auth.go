package jamf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fruitsalade/jamfsync/internal/logging"
	"github.com/fruitsalade/jamfsync/internal/metrics"
)

// ErrAuth is wrapped by every authentication failure.
var ErrAuth = errors.New("jamf authentication failed")

// Token is a bearer credential and the instant it stops being valid.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Expired reports whether the token is unusable at now.
func (t Token) Expired(now time.Time) bool {
	return t.AccessToken == "" || !now.Before(t.ExpiresAt)
}

// tokenResponse is the response from POST /api/oauth/token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Credentials identify an API client registered in Jamf Pro.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenSource holds the client-credentials token for one API client and
// refreshes it lazily once it has expired.
type TokenSource struct {
	endpoint   string
	creds      Credentials
	httpClient *http.Client
	clock      clockwork.Clock

	mu    sync.Mutex
	token Token
}

// NewTokenSource creates a token source. A nil clock means wall time.
func NewTokenSource(endpoint string, creds Credentials, httpClient *http.Client, clock clockwork.Clock) *TokenSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenSource{
		endpoint:   strings.TrimRight(endpoint, "/"),
		creds:      creds,
		httpClient: httpClient,
		clock:      clock,
	}
}

// Token returns a valid access token, authenticating first if the cached one
// is missing or now >= its expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.token.Expired(s.clock.Now()) {
		return s.token.AccessToken, nil
	}
	tok, err := s.authenticate(ctx)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Authenticate exchanges the client credentials for a new token regardless
// of the cached token's state.
func (s *TokenSource) Authenticate(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticate(ctx)
}

// Current returns the cached token without refreshing it.
func (s *TokenSource) Current() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *TokenSource) authenticate(ctx context.Context) (Token, error) {
	form := url.Values{
		"client_id":     {s.creds.ClientID},
		"client_secret": {s.creds.ClientSecret},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/api/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(opAuthenticate, 0, time.Since(start))
		metrics.RecordAuthAttempt(false)
		return Token{}, fmt.Errorf("%w: token request: %w", ErrAuth, err)
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(opAuthenticate, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.RecordAuthAttempt(false)
		return Token{}, fmt.Errorf("%w: %w", ErrAuth, &APIError{Op: opAuthenticate, StatusCode: resp.StatusCode, Body: string(data)})
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.RecordAuthAttempt(false)
		return Token{}, fmt.Errorf("%w: parse token response: %w", ErrAuth, err)
	}
	if result.AccessToken == "" {
		metrics.RecordAuthAttempt(false)
		return Token{}, fmt.Errorf("%w: token response has no access_token", ErrAuth)
	}
	if result.ExpiresIn <= 0 {
		metrics.RecordAuthAttempt(false)
		return Token{}, fmt.Errorf("%w: token response has invalid expires_in %d", ErrAuth, result.ExpiresIn)
	}

	s.token = Token{
		AccessToken: result.AccessToken,
		ExpiresAt:   s.clock.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	metrics.RecordAuthAttempt(true)
	logging.WithContext(ctx).Debug("obtained access token",
		zap.Time("expires_at", s.token.ExpiresAt))

	return s.token, nil
}
