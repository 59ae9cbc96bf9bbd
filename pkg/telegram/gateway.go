// Copyright 2024-2026 Aiku AI

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// GatewayDialer creates clients backed by an MTProto gateway sidecar. The
// gateway owns the actual protocol sessions; this process addresses them by
// session id over REST and consumes message events over WebSocket.
type GatewayDialer struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Log     zerolog.Logger
}

var _ Dialer = (*GatewayDialer)(nil)

// NewGatewayDialer creates a dialer for the given gateway base URL.
func NewGatewayDialer(baseURL, token string, log zerolog.Logger) *GatewayDialer {
	return &GatewayDialer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Log:     log.With().Str("component", "gateway").Logger(),
	}
}

type sessionCreatedResponse struct {
	SessionID string `json:"session_id"`
}

// NewClient asks the gateway for a fresh, unauthenticated session.
func (d *GatewayDialer) NewClient(ctx context.Context) (Client, error) {
	var resp sessionCreatedResponse
	if err := d.post(ctx, "/v1/sessions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to create gateway session: %w", err)
	}
	return d.newGatewayClient(resp.SessionID), nil
}

// ImportSession reconstructs a session on the gateway from an exported blob.
func (d *GatewayDialer) ImportSession(ctx context.Context, session string) (Client, error) {
	var resp sessionCreatedResponse
	body := map[string]string{"session": session}
	if err := d.post(ctx, "/v1/sessions/import", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to import gateway session: %w", err)
	}
	return d.newGatewayClient(resp.SessionID), nil
}

func (d *GatewayDialer) newGatewayClient(sessionID string) *GatewayClient {
	return &GatewayClient{
		dialer:    d,
		sessionID: sessionID,
		listeners: make(map[string]func(Message)),
		stopChan:  make(chan struct{}),
		log:       d.Log.With().Str("session_id", sessionID).Logger(),
	}
}

func (d *GatewayDialer) post(ctx context.Context, path string, body, out any) error {
	return d.do(ctx, http.MethodPost, path, body, out)
}

func (d *GatewayDialer) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return parseGatewayError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// gatewayErrorResponse is the error envelope the gateway returns on 4xx/5xx.
type gatewayErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Well-known gateway error codes mapped to sentinel errors.
const (
	gatewayErrSecondFactor = "second_factor_required"
	gatewayErrChatNotFound = "chat_not_found"
)

func parseGatewayError(resp *http.Response) error {
	var ge gatewayErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &ge)
	switch ge.Error {
	case gatewayErrSecondFactor:
		return ErrSecondFactorRequired
	case gatewayErrChatNotFound:
		return ErrChatNotFound
	}
	if ge.Message != "" {
		return fmt.Errorf("gateway error (HTTP %d): %s", resp.StatusCode, ge.Message)
	}
	return fmt.Errorf("gateway error: HTTP %d", resp.StatusCode)
}

// GatewayClient is one gateway-backed session. REST calls are addressed by
// session id; inbound messages arrive on a WebSocket stream started by
// Connect and are fanned out to registered listeners.
type GatewayClient struct {
	dialer    *GatewayDialer
	sessionID string

	listenerMu sync.RWMutex
	listeners  map[string]func(Message)

	wsMu     sync.Mutex
	wsConn   *websocket.Conn
	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ Client = (*GatewayClient)(nil)

func (c *GatewayClient) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(c.sessionID) + suffix
}

// Connect establishes the gateway-side connection and starts the update
// stream. Safe to call once per client.
func (c *GatewayClient) Connect(ctx context.Context) error {
	if err := c.dialer.post(ctx, c.path("/connect"), nil, nil); err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}
	if err := c.connectStream(); err != nil {
		return fmt.Errorf("failed to open update stream: %w", err)
	}
	return nil
}

func (c *GatewayClient) connectStream() error {
	wsURL := httpToWS(c.dialer.BaseURL) + c.path("/updates")
	header := http.Header{}
	if c.dialer.Token != "" {
		header.Set("Authorization", "Bearer "+c.dialer.Token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	c.wsConn = conn
	c.wsMu.Unlock()

	go c.listenStream(conn)

	c.log.Debug().Str("ws_url", wsURL).Msg("Update stream connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *GatewayClient) listenStream(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.stopChan:
				return
			default:
			}
			c.log.Warn().Err(err).Msg("Update stream closed, reconnecting")
			c.handleStreamDisconnect()
			return
		}
		c.dispatch(msg)
	}
}

// handleStreamDisconnect attempts a single reconnect. A session whose stream
// cannot be re-established stays connected for REST operations; the next
// Connect (e.g. after process restart) will re-arm the stream.
func (c *GatewayClient) handleStreamDisconnect() {
	select {
	case <-c.stopChan:
		// Disconnect raced the stream loss; the session is gone.
		return
	default:
	}
	if err := c.connectStream(); err != nil {
		c.log.Error().Err(err).Msg("Failed to reconnect update stream")
	}
}

func (c *GatewayClient) dispatch(msg Message) {
	c.listenerMu.RLock()
	fns := make([]func(Message), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

type requestCodeResponse struct {
	CodeHash string `json:"code_hash"`
}

func (c *GatewayClient) RequestCode(ctx context.Context, phone string) (string, error) {
	var resp requestCodeResponse
	err := c.dialer.post(ctx, c.path("/code"), map[string]string{"phone": phone}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to request code: %w", err)
	}
	return resp.CodeHash, nil
}

func (c *GatewayClient) SignIn(ctx context.Context, phone, code, codeHash string) (*Profile, error) {
	body := map[string]string{"phone": phone, "code": code, "code_hash": codeHash}
	var profile Profile
	if err := c.dialer.post(ctx, c.path("/sign-in"), body, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *GatewayClient) SignInSecondFactor(ctx context.Context, password string) (*Profile, error) {
	var profile Profile
	err := c.dialer.post(ctx, c.path("/sign-in-2fa"), map[string]string{"password": password}, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

type authorizedResponse struct {
	Authorized bool `json:"authorized"`
}

func (c *GatewayClient) IsAuthorized(ctx context.Context) (bool, error) {
	var resp authorizedResponse
	if err := c.dialer.do(ctx, http.MethodGet, c.path("/authorized"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

func (c *GatewayClient) GetMe(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.dialer.do(ctx, http.MethodGet, c.path("/me"), nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *GatewayClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	body := map[string]any{"chat_id": chatID, "text": text}
	return c.dialer.post(ctx, c.path("/messages"), body, nil)
}

func (c *GatewayClient) ResolveChat(ctx context.Context, chatID int64) (*Dialog, error) {
	var dialog Dialog
	path := c.path(fmt.Sprintf("/chats/%d", chatID))
	if err := c.dialer.do(ctx, http.MethodGet, path, nil, &dialog); err != nil {
		return nil, err
	}
	return &dialog, nil
}

func (c *GatewayClient) ListDialogs(ctx context.Context) ([]Dialog, error) {
	var dialogs []Dialog
	if err := c.dialer.do(ctx, http.MethodGet, c.path("/dialogs"), nil, &dialogs); err != nil {
		return nil, err
	}
	return dialogs, nil
}

func (c *GatewayClient) OnMessage(fn func(Message)) string {
	token := uuid.NewString()
	c.listenerMu.Lock()
	c.listeners[token] = fn
	c.listenerMu.Unlock()
	return token
}

func (c *GatewayClient) RemoveListener(token string) {
	c.listenerMu.Lock()
	delete(c.listeners, token)
	c.listenerMu.Unlock()
}

type exportSessionResponse struct {
	Session string `json:"session"`
}

func (c *GatewayClient) ExportSession(ctx context.Context) (string, error) {
	var resp exportSessionResponse
	if err := c.dialer.do(ctx, http.MethodGet, c.path("/export"), nil, &resp); err != nil {
		return "", fmt.Errorf("failed to export session: %w", err)
	}
	return resp.Session, nil
}

// Disconnect stops the update stream and releases the gateway session.
func (c *GatewayClient) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	c.wsMu.Lock()
	if c.wsConn != nil {
		_ = c.wsConn.Close()
		c.wsConn = nil
	}
	c.wsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dialer.do(ctx, http.MethodDelete, c.path(""), nil, nil); err != nil {
		c.log.Warn().Err(err).Msg("Failed to release gateway session")
	}
}
