package oauthbroker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"tenantgate/internal/tokenstore"
	"tenantgate/pkg/logging"
)

const subsystem = "OAuthBroker"

// defaultRefreshMargin is used when a Config leaves RefreshMargin unset.
const defaultRefreshMargin = 5 * time.Minute

// Broker implements the OAuth Broker (C2): authorization URL construction,
// pending-state bookkeeping, code exchange, and pre-emptive refresh.
type Broker struct {
	idp           *idpClient
	states        *stateStore
	tokens        *tokenstore.Store
	refreshMargin time.Duration
}

// Config bundles the IdP endpoints and client credentials needed to
// construct a Broker.
type Config struct {
	AuthorizeURL string
	TokenURL     string
	RefreshURL   string
	UserInfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string

	// RefreshMargin is the window before expiry at which EnsureValid
	// proactively refreshes rather than letting the access token actually
	// lapse. Zero selects defaultRefreshMargin.
	RefreshMargin time.Duration
}

// New constructs a Broker backed by the given token store.
func New(cfg Config, tokens *tokenstore.Store) *Broker {
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	return &Broker{
		idp:           newIdPClient(cfg.AuthorizeURL, cfg.TokenURL, cfg.RefreshURL, cfg.UserInfoURL, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, cfg.Scope),
		states:        newStateStore(),
		tokens:        tokens,
		refreshMargin: margin,
	}
}

// Stop halts the background state-sweeper goroutine.
func (b *Broker) Stop() {
	b.states.Stop()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// AuthorizeURL generates a fresh state token bound to sessionID and returns
// the IdP authorization URL to redirect the caller to. The state
// parameter transmitted to the IdP is `{state_token}_{session_id}` so a
// lost in-memory state can still be recovered from the callback itself.
func (b *Broker) AuthorizeURL(sessionID string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generating state token: %w", err)
	}
	b.states.Insert(token, sessionID)

	state := token + "_" + sessionID
	return b.idp.AuthorizeURL(state), nil
}

// HandleCallback validates and consumes the state, exchanges the code,
// fetches identity, and persists credentials via the token store.
func (b *Broker) HandleCallback(code, state string) (sessionID, userID string, err error) {
	idx := strings.LastIndex(state, "_")
	if idx < 0 {
		return "", "", &InvalidStateError{Reason: "malformed state parameter"}
	}
	stateToken, sid := state[:idx], state[idx+1:]

	if !b.states.ValidateAndConsume(stateToken, sid) {
		return "", "", &InvalidStateError{Reason: "no matching pending authorization"}
	}

	tok, err := b.idp.ExchangeCode(code)
	if err != nil {
		return "", "", err
	}

	info, err := b.idp.FetchUserInfo(tok.AccessToken)
	if err != nil {
		return "", "", err
	}

	creds := tokenstore.Credentials{
		UserID:       info.UnionID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := b.tokens.Save(info.UnionID, creds); err != nil {
		return "", "", &IdPProtocolError{Endpoint: "tokenstore.save", Err: err}
	}

	logging.Info(subsystem, "oauth callback bound session %s to user %s", logging.TruncateSessionID(sid), info.UnionID)
	return sid, info.UnionID, nil
}

// EnsureValid returns usable credentials for userID, refreshing first if the
// access token is within the broker's configured refresh margin of expiry.
// If refresh fails the cached credentials are cleared and absent is
// returned so callers fall through to the default worker.
func (b *Broker) EnsureValid(userID string) (tokenstore.Credentials, bool) {
	creds, ok := b.tokens.Load(userID)
	if !ok {
		return tokenstore.Credentials{}, false
	}

	if time.Until(creds.ExpiresAt) > b.refreshMargin {
		return creds, true
	}

	refreshed, err := b.refresh(userID, creds)
	if err != nil {
		logging.Warn(subsystem, "refresh failed for user %s: %v", userID, err)
		_ = b.tokens.Clear(userID)
		return tokenstore.Credentials{}, false
	}
	return refreshed, true
}

// Refresh unconditionally exchanges the stored refresh token for a new
// token pair.
func (b *Broker) Refresh(userID string) error {
	creds, ok := b.tokens.Load(userID)
	if !ok {
		return &NoCredentialsError{UserID: userID}
	}
	_, err := b.refresh(userID, creds)
	return err
}

func (b *Broker) refresh(userID string, creds tokenstore.Credentials) (tokenstore.Credentials, error) {
	tok, err := b.idp.RefreshToken(creds.RefreshToken)
	if err != nil {
		return tokenstore.Credentials{}, err
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		// Some IdPs omit refresh_token on renewal; keep the prior one.
		newRefresh = creds.RefreshToken
	}

	updated := tokenstore.Credentials{
		UserID:       userID,
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := b.tokens.Save(userID, updated); err != nil {
		return tokenstore.Credentials{}, fmt.Errorf("persisting refreshed credentials: %w", err)
	}
	return updated, nil
}
