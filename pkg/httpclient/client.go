// Package httpclient is a Go client for the MeshCore HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
)

const apiPrefix = "/api/v1"

// Client provides HTTP client for MeshCore API
type Client struct {
	config     Config
	httpClient *http.Client
	// streamClient has no overall timeout; streams end on context cancel
	streamClient *http.Client
	token        string
	baseURL      *url.URL
}

// NewClient creates a new MeshCore HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" && config.Token == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid ServerURL: scheme must be http or https, got %q", baseURL.Scheme)
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		token:        config.Token,
		baseURL:      baseURL,
	}, nil
}

// Authenticate logs in with the configured client id and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	var authResp AuthResponse
	err := c.doRequest(ctx, http.MethodPost, "/auth/login", map[string]string{"clientId": c.config.ClientID}, &authResp, false)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return nil
}

// GetHealth returns the node health. A non-running node answers 503 with
// the same body, so the health is returned alongside the error.
func (c *Client) GetHealth(ctx context.Context) (*session.Health, error) {
	var health session.Health
	err := c.doRequest(ctx, http.MethodGet, "/health", nil, &health, false)
	if err != nil {
		if StatusCode(err) == http.StatusServiceUnavailable {
			return &health, err
		}
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &health, nil
}

// GetSession returns the node identity and health
func (c *Client) GetSession(ctx context.Context) (*SessionResponse, error) {
	var resp SessionResponse
	if err := c.authed(ctx, http.MethodGet, "/session", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &resp, nil
}

// Retry asks a degraded node to bring its radio back up
func (c *Client) Retry(ctx context.Context) (*session.Health, error) {
	var health session.Health
	if err := c.authed(ctx, http.MethodPost, "/session/retry", nil, nil, &health); err != nil {
		return nil, fmt.Errorf("failed to retry transport: %w", err)
	}
	return &health, nil
}

// SendAdvert broadcasts the node's public key and name
func (c *Client) SendAdvert(ctx context.Context) (*session.NodeInfo, error) {
	var info session.NodeInfo
	if err := c.authed(ctx, http.MethodPost, "/session/advert", nil, nil, &info); err != nil {
		return nil, fmt.Errorf("failed to send advert: %w", err)
	}
	return &info, nil
}

// Channels returns joined channels in join order
func (c *Client) Channels(ctx context.Context) ([]mesh.Channel, error) {
	var resp ChannelsResponse
	if err := c.authed(ctx, http.MethodGet, "/channels", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return resp.Channels, nil
}

// AddPublicChannel joins the public channel called name
func (c *Client) AddPublicChannel(ctx context.Context, name string) (*mesh.Channel, error) {
	return c.addChannel(ctx, AddChannelRequest{Name: name, Kind: mesh.ChannelPublic})
}

// AddPrivateChannel joins a private channel with a hex encoded 16 or 32 byte key
func (c *Client) AddPrivateChannel(ctx context.Context, name, keyHex string) (*mesh.Channel, error) {
	return c.addChannel(ctx, AddChannelRequest{Name: name, Kind: mesh.ChannelPrivate, Key: keyHex})
}

func (c *Client) addChannel(ctx context.Context, req AddChannelRequest) (*mesh.Channel, error) {
	var ch mesh.Channel
	if err := c.authed(ctx, http.MethodPost, "/channels", nil, req, &ch); err != nil {
		return nil, fmt.Errorf("failed to add channel %q: %w", req.Name, err)
	}
	return &ch, nil
}

// RemoveChannel leaves a channel by id
func (c *Client) RemoveChannel(ctx context.Context, id string) error {
	if err := c.authed(ctx, http.MethodDelete, "/channels/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to remove channel %s: %w", id, err)
	}
	return nil
}

// Contacts returns known contacts, most recently seen first
func (c *Client) Contacts(ctx context.Context) ([]mesh.Contact, error) {
	var resp ContactsResponse
	if err := c.authed(ctx, http.MethodGet, "/contacts", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	return resp.Contacts, nil
}

// AddContact saves publicKey under name, renaming the contact if the key is
// already known
func (c *Client) AddContact(ctx context.Context, publicKey, name string) (*mesh.Contact, error) {
	var contact mesh.Contact
	req := AddContactRequest{PublicKey: publicKey, Name: name}
	if err := c.authed(ctx, http.MethodPost, "/contacts", nil, req, &contact); err != nil {
		return nil, fmt.Errorf("failed to add contact %q: %w", name, err)
	}
	return &contact, nil
}

// History returns up to limit messages of a conversation before before,
// oldest first. A zero before and a non-positive limit use server defaults.
func (c *Client) History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	query := url.Values{}
	if target.ChannelID != "" {
		query.Set("channel", target.ChannelID)
	} else {
		query.Set("peer", target.PeerID)
	}
	if !before.IsZero() {
		query.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp HistoryResponse
	if err := c.authed(ctx, http.MethodGet, "/history", query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to read history for %s: %w", target, err)
	}
	return resp.Messages, nil
}

// SendChannelMessage posts text to a joined channel. The returned message
// is in its terminal status; a failed transmit is not an error.
func (c *Client) SendChannelMessage(ctx context.Context, channelID, text string) (*mesh.Message, error) {
	var resp MessageResponse
	err := c.authed(ctx, http.MethodPost, "/messages/channel", nil, ChannelMessageRequest{ChannelID: channelID, Text: text}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to send channel message: %w", err)
	}
	return &resp.Message, nil
}

// SendDirectMessage sends text to a peer given by node id, contact name or hex public key
func (c *Client) SendDirectMessage(ctx context.Context, peer, text string) (*mesh.Message, error) {
	var resp MessageResponse
	err := c.authed(ctx, http.MethodPost, "/messages/direct", nil, DirectMessageRequest{Peer: peer, Text: text}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to send direct message: %w", err)
	}
	return &resp.Message, nil
}

// Admin Methods (require admin token)

// AdminGetStats returns session counters (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*AdminStatsResponse, error) {
	var resp AdminStatsResponse
	if err := c.authed(ctx, http.MethodGet, "/admin/stats", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// authed performs an authenticated request
func (c *Client) authed(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}
	return c.doRequestWithQuery(ctx, method, path, query, reqBody, respBody, true)
}

// apiURL resolves an API path and query against the server URL
func (c *Client) apiURL(path string, query url.Values) *url.URL {
	u := &url.URL{Path: apiPrefix + path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return c.baseURL.ResolveReference(u)
}

// doRequestWithQuery performs an HTTP request with query parameters and optional authentication.
// GET requests are retried on transport errors.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	var jsonBody []byte
	if reqBody != nil {
		var err error
		if jsonBody, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.config.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		resp, err := c.send(ctx, method, c.apiURL(path, queryParams), jsonBody, requireAuth)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		return c.readResponse(resp, respBody)
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method string, u *url.URL, jsonBody []byte, requireAuth bool) (*http.Response, error) {
	var bodyReader io.Reader
	if jsonBody != nil {
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readResponse decodes a JSON body. Error statuses become *APIError; the
// body is still decoded into respBody when it parses.
func (c *Client) readResponse(resp *http.Response, respBody interface{}) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		} else if respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody, requireAuth)
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsUnavailable reports whether err is a 503 from the API, such as a send
// while the radio is down
func IsUnavailable(err error) bool {
	return StatusCode(err) == http.StatusServiceUnavailable
}
