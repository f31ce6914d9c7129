package google

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/teemow/mailboxauth/internal/provider"
)

// DefaultRevokeURL is Google's token revocation endpoint.
const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Config configures the Google provider.
type Config struct {
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL default to golang.org/x/oauth2/google.Endpoint.
	AuthURL  string
	TokenURL string

	// RevokeURL defaults to DefaultRevokeURL.
	RevokeURL string

	// GmailEndpoint overrides the Gmail API base URL (tests only).
	GmailEndpoint string

	// UserinfoEndpoint overrides the OAuth2 userinfo API base URL (tests only).
	UserinfoEndpoint string

	// HTTPClient is used for every outbound call. Defaults to a client with
	// a 30 second timeout.
	HTTPClient *http.Client
}

// Provider talks to Google's OAuth and Gmail endpoints.
type Provider struct {
	oauth      oauth2.Config
	revokeURL  string
	gmailURL   string
	infoURL    string
	httpClient *http.Client
}

var _ provider.Provider = (*Provider)(nil)

// New creates a Google provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("google client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, errors.New("google client secret is required")
	}

	endpoint := googleoauth.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p := &Provider{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
		},
		revokeURL:  cfg.RevokeURL,
		gmailURL:   cfg.GmailEndpoint,
		infoURL:    cfg.UserinfoEndpoint,
		httpClient: cfg.HTTPClient,
	}
	if p.revokeURL == "" {
		p.revokeURL = DefaultRevokeURL
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return p, nil
}

// AuthCodeURL builds the consent URL. Offline access and a forced consent
// prompt make Google return a refresh token on every authorization.
func (p *Provider) AuthCodeURL(state, challenge, redirectURI string, scopes []string) string {
	cfg := p.oauthConfig(redirectURI, scopes)
	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code, verifier, redirectURI string) (*provider.Grant, error) {
	cfg := p.oauthConfig(redirectURI, nil)
	tok, err := cfg.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classify("exchange", err)
	}
	return grantFromToken("exchange", tok, "")
}

// Refresh obtains a new access token using refreshToken.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*provider.Grant, error) {
	if refreshToken == "" {
		return nil, &provider.Error{Op: "refresh", Kind: provider.ErrInvalidGrant, Err: errors.New("no refresh token available")}
	}

	ts := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return nil, classify("refresh", err)
	}
	return grantFromToken("refresh", tok, refreshToken)
}

// Revoke invalidates token at Google. Revoking a refresh token also
// invalidates every access token issued from it.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &provider.Error{Op: "revoke", Kind: provider.ErrRejected, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &provider.Error{Op: "revoke", Kind: provider.ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return &provider.Error{Op: "revoke", Kind: kindForStatus(resp.StatusCode), Status: resp.StatusCode}
}

// Identity returns the Gmail address of the token's owner. Grants without a
// Gmail scope cannot read the profile; those fall back to the userinfo
// endpoint, which needs userinfo.email.
func (p *Provider) Identity(ctx context.Context, accessToken string) (*provider.Identity, error) {
	client := oauth2.NewClient(p.clientContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	email, err := p.profileAddress(ctx, client)
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Status == http.StatusForbidden {
		email, err = p.userinfoAddress(ctx, client)
	}
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, &provider.Error{Op: "identity", Kind: provider.ErrRejected, Err: errors.New("profile has no email address")}
	}
	return &provider.Identity{AccountAddress: strings.ToLower(email)}, nil
}

func (p *Provider) profileAddress(ctx context.Context, client *http.Client) (string, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.gmailURL != "" {
		opts = append(opts, option.WithEndpoint(p.gmailURL))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return "", &provider.Error{Op: "identity", Kind: provider.ErrRejected, Err: err}
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", classify("identity", err)
	}
	return profile.EmailAddress, nil
}

func (p *Provider) userinfoAddress(ctx context.Context, client *http.Client) (string, error) {
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if p.infoURL != "" {
		opts = append(opts, option.WithEndpoint(p.infoURL))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return "", &provider.Error{Op: "identity", Kind: provider.ErrRejected, Err: err}
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return "", classify("identity", err)
	}
	return info.Email, nil
}

func (p *Provider) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	cfg := p.oauth
	cfg.RedirectURL = redirectURI
	cfg.Scopes = scopes
	return &cfg
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// grantFromToken converts an oauth2 token. The lifetime must come from the
// provider; a token without one is rejected.
func grantFromToken(op string, tok *oauth2.Token, previousRefresh string) (*provider.Grant, error) {
	if tok.AccessToken == "" {
		return nil, &provider.Error{Op: op, Kind: provider.ErrRejected, Err: errors.New("response has no access token")}
	}

	var expiresIn time.Duration
	switch {
	case tok.ExpiresIn > 0:
		expiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		expiresIn = time.Until(tok.Expiry).Round(time.Second)
	default:
		return nil, &provider.Error{Op: op, Kind: provider.ErrRejected, Err: errors.New("response has no expires_in")}
	}

	grant := &provider.Grant{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn,
	}
	// x/oauth2 carries the old refresh token forward when the response
	// omits one; only a different value is a rotation.
	if tok.RefreshToken != previousRefresh {
		grant.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		grant.Scopes = strings.Fields(scope)
	}
	return grant, nil
}

func classify(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		kind := kindForStatus(status)
		if re.ErrorCode == "invalid_grant" {
			kind = provider.ErrInvalidGrant
		}
		return &provider.Error{Op: op, Kind: kind, Code: re.ErrorCode, Status: status, Err: err}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &provider.Error{Op: op, Kind: kindForStatus(gerr.Code), Status: gerr.Code, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Op: op, Kind: provider.ErrTransient, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &provider.Error{Op: op, Kind: provider.ErrRejected, Err: err}
	}

	// Anything else failed before a usable HTTP response arrived.
	return &provider.Error{Op: op, Kind: provider.ErrTransient, Err: err}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return provider.ErrTransient
	default:
		return provider.ErrRejected
	}
}
