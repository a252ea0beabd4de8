package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"gitea.jw6.us/james/tutortrack/internal/config"
)

const (
	apiBase      = "https://www.googleapis.com/calendar/v3"
	googleIssuer = "https://accounts.google.com"

	// PrimaryCalendarID addresses the user's default calendar.
	PrimaryCalendarID = "primary"

	eventsScope = "https://www.googleapis.com/auth/calendar.events"
)

// Delta window bounds used when no sync token is available yet.
const (
	fullSyncPastWindow   = 30 * 24 * time.Hour
	fullSyncFutureWindow = 90 * 24 * time.Hour
)

// Client talks to the Google Calendar v3 REST API. Calls take an explicit
// token so the caller owns refresh handling; a 401 surfaces as ErrAuthExpired
// rather than being silently refreshed.
type Client struct {
	oauth   *oauth2.Config
	http    *http.Client
	baseURL string
	now     func() time.Time
}

// NewClient builds a client from the application OAuth configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL(),
			Scopes:       []string{eventsScope, oidc.ScopeOpenID, "email"},
			Endpoint:     google.Endpoint,
		},
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: apiBase,
		now:     time.Now,
	}
}

// Scopes returns the OAuth scopes the client requests.
func (c *Client) Scopes() []string {
	return c.oauth.Scopes
}

// AuthCodeURL builds the consent URL. Offline access with forced consent is
// required to obtain a refresh token on every connect.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"))
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("exchange code: %w", err)}
	}
	return tok, nil
}

// Refresh obtains a fresh access token using the refresh token. A rejected
// refresh token maps to ErrAuthRevoked.
func (c *Client) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	if tok.RefreshToken == "" {
		return nil, ErrAuthRevoked
	}

	src := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return nil, ErrAuthRevoked
		}
		return nil, &TransientError{Err: fmt.Errorf("refresh token: %w", err)}
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// VerifyIDToken validates the id_token obtained during the connect flow and
// returns the Google account email it asserts.
func (c *Client) VerifyIDToken(ctx context.Context, tok *oauth2.Token) (string, error) {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", errors.New("gcal: token response carries no id_token")
	}

	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("oidc discovery: %w", err)}
	}

	idToken, err := provider.Verifier(&oidc.Config{ClientID: c.oauth.ClientID}).Verify(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("verify id_token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("decode id_token claims: %w", err)
	}
	return claims.Email, nil
}

// CreateEvent inserts an event and returns the stored representation.
func (c *Client) CreateEvent(ctx context.Context, tok *oauth2.Token, calendarID string, ev Event) (*Event, error) {
	var created Event
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))
	if err := c.do(ctx, tok, http.MethodPost, path, nil, ev, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateEvent patches an existing event.
func (c *Client) UpdateEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string, ev Event) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.do(ctx, tok, http.MethodPatch, path, nil, ev, nil)
}

// DeleteEvent removes an event. An already-deleted event is not an error.
func (c *Client) DeleteEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error {
	path := fmt.Sprintf("/calendars/%s/events/%s", url.PathEscape(calendarID), url.PathEscape(eventID))
	err := c.do(ctx, tok, http.MethodDelete, path, nil, nil, nil)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
		return nil
	}
	return err
}

// FetchDelta lists changed events since cursor. With an empty cursor it
// performs a windowed full list (30 days back, 90 days forward) and returns
// the sync token to resume from. A stale cursor surfaces as ErrGone.
func (c *Client) FetchDelta(ctx context.Context, tok *oauth2.Token, calendarID, cursor string) (*Delta, error) {
	path := fmt.Sprintf("/calendars/%s/events", url.PathEscape(calendarID))

	delta := &Delta{}
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("maxResults", "250")
		q.Set("singleEvents", "true")
		q.Set("showDeleted", "true")
		if cursor != "" {
			q.Set("syncToken", cursor)
		} else {
			now := c.now().UTC()
			q.Set("timeMin", now.Add(-fullSyncPastWindow).Format(time.RFC3339))
			q.Set("timeMax", now.Add(fullSyncFutureWindow).Format(time.RFC3339))
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page eventListResponse
		if err := c.do(ctx, tok, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			if item.Status == "cancelled" {
				delta.DeletedIDs = append(delta.DeletedIDs, item.ID)
				continue
			}
			delta.Changed = append(delta.Changed, item)
		}

		if page.NextPageToken == "" {
			delta.NextSyncToken = page.NextSyncToken
			return delta, nil
		}
		pageToken = page.NextPageToken
	}
}

// Watch registers a push notification channel for the calendar.
func (c *Client) Watch(ctx context.Context, tok *oauth2.Token, calendarID, channelID, address string) (*Channel, error) {
	path := fmt.Sprintf("/calendars/%s/events/watch", url.PathEscape(calendarID))
	req := watchRequest{ID: channelID, Type: "web_hook", Address: address}

	var resp watchResponse
	if err := c.do(ctx, tok, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}

	ch := &Channel{ID: resp.ID, ResourceID: resp.ResourceID}
	if resp.Expiration != "" {
		if ms, err := strconv.ParseInt(resp.Expiration, 10, 64); err == nil {
			ch.Expiration = ms
		}
	}
	return ch, nil
}

// StopChannel tears down a notification channel. A channel the provider no
// longer knows is not an error.
func (c *Client) StopChannel(ctx context.Context, tok *oauth2.Token, channelID, resourceID string) error {
	err := c.do(ctx, tok, http.MethodPost, "/channels/stop", nil, stopRequest{ID: channelID, ResourceID: resourceID}, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, tok *oauth2.Token, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s %s: %s", method, path, msg)}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gcal: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
