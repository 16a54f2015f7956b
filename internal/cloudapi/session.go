package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"fleetupdater/internal/models"
)

const (
	directTokenPath = "/api/2/idp/token"
	scopedTokenPath = "/bc/idp/token"

	grantPassword  = "password"
	grantJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tenantScopeFmt = "urn:acronis.com:tenant-id:%s"
)

// State is the authentication state of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credentials selects the authentication path of a Session. It is either
// Direct or Scoped.
type Credentials interface {
	credentials()
}

// Direct authenticates with a username and password.
type Direct struct {
	Username string
	Password string
}

// Scoped authenticates by delegation from an already-authenticated parent
// token into a target tenant.
type Scoped struct {
	ParentToken    *oauth2.Token
	TargetTenantID uuid.UUID
}

func (Direct) credentials() {}
func (Scoped) credentials() {}

// Session holds one bearer credential. A session's token is never refreshed.
type Session struct {
	client *Client
	creds  Credentials
	log    logrus.FieldLogger

	mu      sync.RWMutex
	state   State
	baseURL string
	token   *oauth2.Token
	http    *http.Client
	me      *models.User
}

// NewDirectSession returns an unauthenticated session for the given login.
func (c *Client) NewDirectSession(username, password string) *Session {
	return &Session{
		client: c,
		creds:  Direct{Username: username, Password: password},
		log:    c.log.WithField("session", "direct"),
	}
}

// AuthenticateDirect resolves the login's endpoint and performs the password
// grant against it.
func (c *Client) AuthenticateDirect(ctx context.Context, username, password string) (*Session, error) {
	s := c.NewDirectSession(username, password)
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AuthenticateScoped exchanges the parent's token for one scoped to
// targetTenantID, against the endpoint the parent used. A parent that has not
// completed authentication fails with PreconditionFailed before any I/O.
func (c *Client) AuthenticateScoped(ctx context.Context, parent *Session, targetTenantID uuid.UUID) (*Session, error) {
	if parent == nil || parent.State() != StateAuthenticated {
		return nil, &AuthError{Kind: PreconditionFailed, Err: ErrNotAuthenticated}
	}

	parentToken := parent.Token()
	if !parentToken.Expiry.IsZero() && time.Now().After(parentToken.Expiry) {
		// Tokens are not refreshed; the platform decides whether to honour it.
		c.log.WithField("expired_at", parentToken.Expiry).Warn("parent token has expired, attempting scoped authentication anyway")
	}

	s := &Session{
		client:  c,
		creds:   Scoped{ParentToken: parentToken, TargetTenantID: targetTenantID},
		log:     c.log.WithFields(logrus.Fields{"session": "scoped", "tenant_id": targetTenantID}),
		baseURL: parent.BaseURL(),
	}
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Authenticate moves the session from Unauthenticated to Authenticated or
// Failed. Calling it on a session that is not Unauthenticated is an error.
func (s *Session) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnauthenticated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cloudapi: session is %s", state)
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	var (
		baseURL string
		tok     *oauth2.Token
		err     error
	)
	switch creds := s.creds.(type) {
	case Direct:
		baseURL, err = s.client.Resolve(ctx, creds.Username)
		if err != nil {
			err = resolveFailure(err)
			break
		}
		tok, err = s.client.exchangeToken(ctx, baseURL, directTokenPath, url.Values{
			"grant_type": {grantPassword},
			"username":   {creds.Username},
			"password":   {creds.Password},
		}, true)
	case Scoped:
		if creds.ParentToken == nil || creds.ParentToken.AccessToken == "" {
			err = &AuthError{Kind: PreconditionFailed, Err: ErrNotAuthenticated}
			break
		}
		baseURL = s.baseURL
		tok, err = s.client.exchangeToken(ctx, baseURL, scopedTokenPath, url.Values{
			"grant_type": {grantJWTBearer},
			"assertion":  {creds.ParentToken.AccessToken},
			"scope":      {fmt.Sprintf(tenantScopeFmt, creds.TargetTenantID)},
		}, false)
	default:
		err = fmt.Errorf("cloudapi: unsupported credentials %T", creds)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateFailed
		return err
	}
	s.baseURL = baseURL
	s.token = tok
	s.http = &http.Client{
		Timeout: s.client.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(tok),
			Base:   s.client.transport,
		},
	}
	s.state = StateAuthenticated
	s.log.WithField("base_url", baseURL).Debug("authentication succeeded")
	return nil
}

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns a copy of the bearer token, or nil before authentication.
func (s *Session) Token() *oauth2.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// BaseURL is the tenant-specific endpoint the session authenticated against.
func (s *Session) BaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseURL
}

// SignedInUser returns the user recorded by SignedIn, or false before it ran.
func (s *Session) SignedInUser() (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.me == nil {
		return models.User{}, false
	}
	return *s.me, true
}

// Credentials returns the variant this session authenticates with.
func (s *Session) Credentials() Credentials { return s.creds }

func (s *Session) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	s.mu.RLock()
	hc, baseURL, state := s.http, s.baseURL, s.state
	s.mu.RUnlock()
	if state != StateAuthenticated {
		return fmt.Errorf("cloudapi: %s %s on %s session", method, path, state)
	}
	return doJSON(ctx, hc, baseURL, method, path, query, body, out)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresOn   int64  `json:"expires_on"`
}

// exchangeToken posts a form-encoded grant and maps failures onto AuthError.
// forbiddenIsUnauthorized distinguishes the direct login, where HTTP 403 means
// bad credentials.
func (c *Client) exchangeToken(ctx context.Context, baseURL, path string, form url.Values, forbiddenIsUnauthorized bool) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Kind: ServerError, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.plainHTTP().Do(req)
	if err != nil {
		return nil, &AuthError{Kind: ServerError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBody(resp.Body)
		if resp.StatusCode == http.StatusForbidden && forbiddenIsUnauthorized {
			return nil, &AuthError{Kind: Unauthorized, StatusCode: resp.StatusCode, Body: body}
		}
		return nil, &AuthError{Kind: ServerError, StatusCode: resp.StatusCode, Body: body}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &AuthError{Kind: MalformedToken, StatusCode: resp.StatusCode, Err: err}
	}
	if strings.TrimSpace(tr.AccessToken) == "" {
		return nil, &AuthError{Kind: MalformedToken, StatusCode: resp.StatusCode, Err: errors.New("response has no access_token")}
	}

	tok := &oauth2.Token{AccessToken: tr.AccessToken, TokenType: "Bearer"}
	switch {
	case tr.ExpiresOn > 0:
		tok.Expiry = time.Unix(tr.ExpiresOn, 0)
	case tr.ExpiresIn > 0:
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func resolveFailure(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &AuthError{Kind: ServerError, StatusCode: apiErr.StatusCode, Body: apiErr.Body, Err: err}
	}
	return &AuthError{Kind: ServerError, Err: err}
}

// SignedIn resolves the identity behind a direct session: the current user,
// that user's tenant, and the tenant's users. The returned tenant is the root
// of the tenant walk.
func (s *Session) SignedIn(ctx context.Context) (models.User, models.Tenant, error) {
	me, err := s.CurrentUser(ctx)
	if err != nil {
		return models.User{}, models.Tenant{}, err
	}
	tenant, err := s.Tenant(ctx, me.TenantID)
	if err != nil {
		return models.User{}, models.Tenant{}, err
	}
	tenant.Users, err = s.TenantUsers(ctx, tenant.ID)
	if err != nil {
		return models.User{}, models.Tenant{}, err
	}
	s.mu.Lock()
	s.me = &me
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"user":   me.Username,
		"email":  me.Email,
		"tenant": tenant.Name,
		"kind":   tenant.Kind,
	}).Debug("signed in")
	return me, tenant, nil
}
