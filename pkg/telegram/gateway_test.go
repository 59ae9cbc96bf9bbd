// Copyright 2024-2026 Aiku AI

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeGateway is an in-process stand-in for the MTProto gateway sidecar.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	nextID    int
	sessions  map[string]string // session id -> imported blob ("" for fresh)
	connected map[string]bool
	deleted   []string
	sent      []sentRequest
	chats     map[int64]Dialog
	signInErr string // gateway error code returned by sign-in, "" for success

	wsMu    sync.Mutex
	wsConns map[string]*websocket.Conn
	wsDials int

	upgrader websocket.Upgrader
}

type sentRequest struct {
	SessionID string
	ChatID    int64
	Text      string
}

const testToken = "test-token"

func newFakeGateway(t *testing.T) *fakeGateway {
	fg := &fakeGateway{
		t:         t,
		sessions:  make(map[string]string),
		connected: make(map[string]bool),
		chats:     make(map[int64]Dialog),
		wsConns:   make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", fg.handleCreate)
	mux.HandleFunc("POST /v1/sessions/import", fg.handleImport)
	mux.HandleFunc("POST /v1/sessions/{id}/connect", fg.handleConnect)
	mux.HandleFunc("GET /v1/sessions/{id}/updates", fg.handleUpdates)
	mux.HandleFunc("POST /v1/sessions/{id}/code", fg.handleCode)
	mux.HandleFunc("POST /v1/sessions/{id}/sign-in", fg.handleSignIn)
	mux.HandleFunc("POST /v1/sessions/{id}/sign-in-2fa", fg.handleSignIn2FA)
	mux.HandleFunc("GET /v1/sessions/{id}/authorized", fg.handleAuthorized)
	mux.HandleFunc("GET /v1/sessions/{id}/me", fg.handleMe)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", fg.handleSend)
	mux.HandleFunc("GET /v1/sessions/{id}/chats/{chat}", fg.handleResolve)
	mux.HandleFunc("GET /v1/sessions/{id}/dialogs", fg.handleDialogs)
	mux.HandleFunc("GET /v1/sessions/{id}/export", fg.handleExport)
	mux.HandleFunc("DELETE /v1/sessions/{id}", fg.handleDelete)

	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized","message":"bad token"}`)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) dialer() *GatewayDialer {
	return NewGatewayDialer(fg.srv.URL, testToken, zerolog.Nop())
}

func (fg *fakeGateway) handleCreate(w http.ResponseWriter, _ *http.Request) {
	fg.mu.Lock()
	fg.nextID++
	id := fmt.Sprintf("sess-%d", fg.nextID)
	fg.sessions[id] = ""
	fg.mu.Unlock()
	writeTestJSON(w, map[string]string{"session_id": id})
}

func (fg *fakeGateway) handleImport(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	fg.mu.Lock()
	fg.nextID++
	id := fmt.Sprintf("sess-%d", fg.nextID)
	fg.sessions[id] = body["session"]
	fg.mu.Unlock()
	writeTestJSON(w, map[string]string{"session_id": id})
}

func (fg *fakeGateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	fg.mu.Lock()
	fg.connected[r.PathValue("id")] = true
	fg.mu.Unlock()
	writeTestJSON(w, map[string]bool{"ok": true})
}

func (fg *fakeGateway) handleUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := fg.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fg.wsMu.Lock()
	fg.wsConns[r.PathValue("id")] = conn
	fg.wsDials++
	fg.wsMu.Unlock()
	// Hold the stream open; the client never writes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (fg *fakeGateway) handleCode(w http.ResponseWriter, _ *http.Request) {
	writeTestJSON(w, map[string]string{"code_hash": "hash-1"})
}

func (fg *fakeGateway) handleSignIn(w http.ResponseWriter, _ *http.Request) {
	fg.mu.Lock()
	code := fg.signInErr
	fg.mu.Unlock()
	if code != "" {
		w.WriteHeader(http.StatusUnauthorized)
		writeTestJSON(w, map[string]string{"error": code, "message": "sign-in rejected"})
		return
	}
	writeTestJSON(w, Profile{ID: 1, FirstName: "Test", Username: "test", Phone: "+100"})
}

func (fg *fakeGateway) handleSignIn2FA(w http.ResponseWriter, _ *http.Request) {
	writeTestJSON(w, Profile{ID: 1, FirstName: "Test", Username: "test", Phone: "+100"})
}

func (fg *fakeGateway) handleAuthorized(w http.ResponseWriter, _ *http.Request) {
	writeTestJSON(w, map[string]bool{"authorized": true})
}

func (fg *fakeGateway) handleMe(w http.ResponseWriter, _ *http.Request) {
	writeTestJSON(w, Profile{ID: 1, FirstName: "Test", Username: "test", Phone: "+100"})
}

func (fg *fakeGateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	fg.mu.Lock()
	fg.sent = append(fg.sent, sentRequest{SessionID: r.PathValue("id"), ChatID: body.ChatID, Text: body.Text})
	fg.mu.Unlock()
	writeTestJSON(w, map[string]bool{"ok": true})
}

func (fg *fakeGateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	chatID, _ := strconv.ParseInt(r.PathValue("chat"), 10, 64)
	fg.mu.Lock()
	dialog, ok := fg.chats[chatID]
	fg.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		writeTestJSON(w, map[string]string{"error": "chat_not_found", "message": "no such chat"})
		return
	}
	writeTestJSON(w, dialog)
}

func (fg *fakeGateway) handleDialogs(w http.ResponseWriter, _ *http.Request) {
	fg.mu.Lock()
	dialogs := make([]Dialog, 0, len(fg.chats))
	for _, dialog := range fg.chats {
		dialogs = append(dialogs, dialog)
	}
	fg.mu.Unlock()
	writeTestJSON(w, dialogs)
}

func (fg *fakeGateway) handleExport(w http.ResponseWriter, _ *http.Request) {
	writeTestJSON(w, map[string]string{"session": "exported-blob"})
}

func (fg *fakeGateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	fg.mu.Lock()
	fg.deleted = append(fg.deleted, r.PathValue("id"))
	fg.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// push delivers one update over the session's WebSocket stream.
func (fg *fakeGateway) push(sessionID string, msg Message) error {
	fg.wsMu.Lock()
	conn := fg.wsConns[sessionID]
	fg.wsMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no update stream for %s", sessionID)
	}
	return conn.WriteJSON(msg)
}

func (fg *fakeGateway) updateDials() int {
	fg.wsMu.Lock()
	defer fg.wsMu.Unlock()
	return fg.wsDials
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func mustConnect(t *testing.T, fg *fakeGateway) (*GatewayClient, string) {
	t.Helper()
	ctx := context.Background()
	client, err := fg.dialer().NewClient(ctx)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	gc := client.(*GatewayClient)
	if err := gc.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return gc, gc.sessionID
}

func TestGatewayClient_ConnectAndStream(t *testing.T) {
	fg := newFakeGateway(t)
	client, sessionID := mustConnect(t, fg)
	defer client.Disconnect()

	fg.mu.Lock()
	connected := fg.connected[sessionID]
	fg.mu.Unlock()
	if !connected {
		t.Fatal("gateway session should be connected")
	}

	received := make(chan Message, 1)
	token := client.OnMessage(func(msg Message) {
		received <- msg
	})

	want := Message{ChatID: 100, ID: 42, Text: "hello"}
	if err := fg.push(sessionID, want); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case got := <-received:
		if got != want {
			t.Errorf("received message: got %+v, want %+v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the update")
	}

	// After RemoveListener no further updates are delivered.
	client.RemoveListener(token)
	if err := fg.push(sessionID, Message{ChatID: 100, ID: 43, Text: "again"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case got := <-received:
		t.Errorf("removed listener still received %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGatewayClient_AuthFlow(t *testing.T) {
	ctx := context.Background()
	fg := newFakeGateway(t)
	client, _ := mustConnect(t, fg)
	defer client.Disconnect()

	codeHash, err := client.RequestCode(ctx, "+100")
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if codeHash != "hash-1" {
		t.Errorf("code hash: got %q, want %q", codeHash, "hash-1")
	}

	fg.mu.Lock()
	fg.signInErr = "second_factor_required"
	fg.mu.Unlock()
	if _, err := client.SignIn(ctx, "+100", "12345", codeHash); !errors.Is(err, ErrSecondFactorRequired) {
		t.Fatalf("SignIn with 2FA: got %v, want ErrSecondFactorRequired", err)
	}

	profile, err := client.SignInSecondFactor(ctx, "hunter2")
	if err != nil {
		t.Fatalf("SignInSecondFactor: %v", err)
	}
	if profile.ID != 1 || profile.FirstName != "Test" {
		t.Errorf("profile: %+v", profile)
	}

	fg.mu.Lock()
	fg.signInErr = ""
	fg.mu.Unlock()
	if _, err := client.SignIn(ctx, "+100", "12345", codeHash); err != nil {
		t.Errorf("SignIn: %v", err)
	}

	authorized, err := client.IsAuthorized(ctx)
	if err != nil || !authorized {
		t.Errorf("IsAuthorized: got (%v, %v)", authorized, err)
	}
	me, err := client.GetMe(ctx)
	if err != nil || me.Username != "test" {
		t.Errorf("GetMe: got (%+v, %v)", me, err)
	}
}

func TestGatewayClient_Messaging(t *testing.T) {
	ctx := context.Background()
	fg := newFakeGateway(t)
	fg.chats[200] = Dialog{ID: 200, Name: "Drop Zone", Kind: ChatGroup}
	client, sessionID := mustConnect(t, fg)
	defer client.Disconnect()

	dialog, err := client.ResolveChat(ctx, 200)
	if err != nil {
		t.Fatalf("ResolveChat: %v", err)
	}
	if dialog.Name != "Drop Zone" || dialog.Kind != ChatGroup {
		t.Errorf("dialog: %+v", dialog)
	}

	if _, err := client.ResolveChat(ctx, 999); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("ResolveChat(unknown): got %v, want ErrChatNotFound", err)
	}

	dialogs, err := client.ListDialogs(ctx)
	if err != nil || len(dialogs) != 1 {
		t.Errorf("ListDialogs: got (%v, %v), want one dialog", dialogs, err)
	}

	if err := client.SendMessage(ctx, 200, "forwarded text"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	fg.mu.Lock()
	sent := append([]sentRequest(nil), fg.sent...)
	fg.mu.Unlock()
	if len(sent) != 1 {
		t.Fatalf("sent: got %d requests, want 1", len(sent))
	}
	if sent[0].SessionID != sessionID || sent[0].ChatID != 200 || sent[0].Text != "forwarded text" {
		t.Errorf("sent request: %+v", sent[0])
	}
}

func TestGatewayClient_ExportAndImport(t *testing.T) {
	ctx := context.Background()
	fg := newFakeGateway(t)
	client, _ := mustConnect(t, fg)
	defer client.Disconnect()

	blob, err := client.ExportSession(ctx)
	if err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	if blob != "exported-blob" {
		t.Errorf("blob: got %q", blob)
	}

	imported, err := fg.dialer().ImportSession(ctx, blob)
	if err != nil {
		t.Fatalf("ImportSession: %v", err)
	}
	gc := imported.(*GatewayClient)
	fg.mu.Lock()
	storedBlob := fg.sessions[gc.sessionID]
	fg.mu.Unlock()
	if storedBlob != blob {
		t.Errorf("imported blob: got %q, want %q", storedBlob, blob)
	}
}

func TestGatewayClient_DisconnectReleasesSession(t *testing.T) {
	fg := newFakeGateway(t)
	client, sessionID := mustConnect(t, fg)

	client.Disconnect()

	fg.mu.Lock()
	deleted := append([]string(nil), fg.deleted...)
	fg.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != sessionID {
		t.Errorf("deleted sessions: got %v, want [%s]", deleted, sessionID)
	}
}

func TestGatewayClient_NoReconnectAfterDisconnect(t *testing.T) {
	fg := newFakeGateway(t)
	client, _ := mustConnect(t, fg)

	client.Disconnect()
	before := fg.updateDials()

	// A stream-loss notification arriving after Disconnect must not dial a
	// fresh stream for the released session.
	client.handleStreamDisconnect()

	if got := fg.updateDials(); got != before {
		t.Errorf("update stream dials after disconnect: got %d, want %d", got, before)
	}
}

func TestGatewayDialer_RejectsBadToken(t *testing.T) {
	fg := newFakeGateway(t)
	dialer := NewGatewayDialer(fg.srv.URL, "wrong-token", zerolog.Nop())
	if _, err := dialer.NewClient(context.Background()); err == nil {
		t.Error("NewClient with a bad token should fail")
	}
}
