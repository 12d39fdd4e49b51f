package oauthbroker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// idpEnvelope is the wire shape of every IdP response: a numeric
// status code (0 = success) with a nested, endpoint-specific payload.
type idpEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// tokenResponse is the shared shape of access_token and refresh_access_token
// payloads.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// userInfoResponse is the identity payload; UnionID is the stable user id
// used everywhere else in the gateway.
type userInfoResponse struct {
	UnionID string `json:"union_id"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
}

// idpClient talks this IdP's custom JSON protocol. It deliberately does not
// use golang.org/x/oauth2: that package assumes RFC 6749 form-encoded
// requests and a token response shaped by RFC 6749's access token response,
// neither of which this IdP implements (see DESIGN.md).
type idpClient struct {
	authorizeURL string
	tokenURL     string
	refreshURL   string
	userInfoURL  string

	clientID     string
	clientSecret string
	redirectURI  string
	scope        string

	httpClient *http.Client
}

func newIdPClient(authorizeURL, tokenURL, refreshURL, userInfoURL, clientID, clientSecret, redirectURI, scope string) *idpClient {
	return &idpClient{
		authorizeURL: authorizeURL,
		tokenURL:     tokenURL,
		refreshURL:   refreshURL,
		userInfoURL:  userInfoURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		scope:        scope,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// AuthorizeURL builds the browser-redirect URL for the IdP's authorize
// endpoint, carrying the caller-supplied state opaquely.
func (c *idpClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("app_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", c.scope)
	q.Set("state", state)
	return c.authorizeURL + "?" + q.Encode()
}

func (c *idpClient) post(endpoint string, body any) (*idpEnvelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &IdPProtocolError{Endpoint: endpoint, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	resp, err := c.httpClient.Post(endpoint, "application/json", bytes.NewReader(raw))
	if err != nil {
		return nil, &IdPProtocolError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &IdPProtocolError{Endpoint: endpoint, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var env idpEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &IdPProtocolError{Endpoint: endpoint, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if env.Code != 0 {
		return nil, &IdPError{Code: env.Code, Message: env.Msg}
	}
	return &env, nil
}

// ExchangeCode performs the authorization_code grant against the access_token
// endpoint.
func (c *idpClient) ExchangeCode(code string) (tokenResponse, error) {
	env, err := c.post(c.tokenURL, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"code":          code,
		"redirect_uri":  c.redirectURI,
	})
	if err != nil {
		return tokenResponse{}, err
	}
	return decodeTokenData(c.tokenURL, env.Data)
}

// RefreshToken exchanges a refresh token for a new token pair.
func (c *idpClient) RefreshToken(refreshToken string) (tokenResponse, error) {
	env, err := c.post(c.refreshURL, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
	if err != nil {
		return tokenResponse{}, err
	}
	return decodeTokenData(c.refreshURL, env.Data)
}

func decodeTokenData(endpoint string, raw json.RawMessage) (tokenResponse, error) {
	var tok tokenResponse
	if err := json.Unmarshal(raw, &tok); err != nil {
		return tokenResponse{}, &IdPProtocolError{Endpoint: endpoint, Err: fmt.Errorf("decoding token payload: %w", err)}
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, &IdPProtocolError{Endpoint: endpoint, Err: fmt.Errorf("missing access_token in response")}
	}
	return tok, nil
}

// FetchUserInfo retrieves the caller's identity using a bearer access token.
func (c *idpClient) FetchUserInfo(accessToken string) (userInfoResponse, error) {
	req, err := http.NewRequest(http.MethodGet, c.userInfoURL, nil)
	if err != nil {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	var env idpEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if env.Code != 0 {
		return userInfoResponse{}, &IdPError{Code: env.Code, Message: env.Msg}
	}

	var info userInfoResponse
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: fmt.Errorf("decoding user info: %w", err)}
	}
	if info.UnionID == "" {
		return userInfoResponse{}, &IdPProtocolError{Endpoint: c.userInfoURL, Err: fmt.Errorf("missing union_id in response")}
	}
	return info, nil
}
