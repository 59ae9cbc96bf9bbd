// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// sentMessage records one SendMessage call on a fake client.
type sentMessage struct {
	ChatID int64
	Text   string
}

// fakeClient is a scriptable telegram.Client.
type fakeClient struct {
	mu sync.Mutex

	connectErr      error
	codeHash        string
	codeErr         error
	signInErr       error
	secondFactorErr error
	exportBlob      string
	exportErr       error
	profile         telegram.Profile
	authorized      bool
	authorizedErr   error
	dialogs         []telegram.Dialog
	listDialogsErr  error
	resolveErr      map[int64]error
	sendErr         map[int64]error

	connected    bool
	disconnected bool
	sent         []sentMessage
	listeners    map[string]func(telegram.Message)
	nextToken    int
}

var _ telegram.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		codeHash:   "hash",
		exportBlob: "blob",
		profile:    telegram.Profile{ID: 1, FirstName: "Test", Username: "test", Phone: "+100"},
		authorized: true,
		resolveErr: make(map[int64]error),
		sendErr:    make(map[int64]error),
		listeners:  make(map[string]func(telegram.Message)),
	}
}

func (c *fakeClient) Connect(context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) RequestCode(_ context.Context, _ string) (string, error) {
	return c.codeHash, c.codeErr
}

func (c *fakeClient) SignIn(_ context.Context, _, _, _ string) (*telegram.Profile, error) {
	if c.signInErr != nil {
		return nil, c.signInErr
	}
	profile := c.profile
	return &profile, nil
}

func (c *fakeClient) SignInSecondFactor(_ context.Context, _ string) (*telegram.Profile, error) {
	if c.secondFactorErr != nil {
		return nil, c.secondFactorErr
	}
	profile := c.profile
	return &profile, nil
}

func (c *fakeClient) IsAuthorized(context.Context) (bool, error) {
	return c.authorized, c.authorizedErr
}

func (c *fakeClient) GetMe(context.Context) (*telegram.Profile, error) {
	profile := c.profile
	return &profile, nil
}

func (c *fakeClient) SendMessage(_ context.Context, chatID int64, text string) error {
	if err := c.sendErr[chatID]; err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, sentMessage{ChatID: chatID, Text: text})
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) ResolveChat(_ context.Context, chatID int64) (*telegram.Dialog, error) {
	if err := c.resolveErr[chatID]; err != nil {
		return nil, err
	}
	for _, dialog := range c.dialogs {
		if dialog.ID == chatID {
			d := dialog
			return &d, nil
		}
	}
	return &telegram.Dialog{ID: chatID, Kind: telegram.ChatGroup}, nil
}

func (c *fakeClient) ListDialogs(context.Context) ([]telegram.Dialog, error) {
	if c.listDialogsErr != nil {
		return nil, c.listDialogsErr
	}
	return c.dialogs, nil
}

func (c *fakeClient) OnMessage(fn func(telegram.Message)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	token := fmt.Sprintf("tok-%d", c.nextToken)
	c.listeners[token] = fn
	return token
}

func (c *fakeClient) RemoveListener(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, token)
}

func (c *fakeClient) ExportSession(context.Context) (string, error) {
	return c.exportBlob, c.exportErr
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

// push delivers a message to all registered listeners, in token order.
func (c *fakeClient) push(msg telegram.Message) {
	c.mu.Lock()
	tokens := make([]string, 0, len(c.listeners))
	for token := range c.listeners {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	fns := make([]func(telegram.Message), 0, len(tokens))
	for _, token := range tokens {
		fns = append(fns, c.listeners[token])
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (c *fakeClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]sentMessage, len(c.sent))
	copy(cp, c.sent)
	return cp
}

func (c *fakeClient) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// fakeDialer hands out scripted clients.
type fakeDialer struct {
	mu         sync.Mutex
	newClients []*fakeClient
	newErr     error
	imported   map[string]*fakeClient
	importErr  map[string]error
}

var _ telegram.Dialer = (*fakeDialer)(nil)

func newFakeDialer(clients ...*fakeClient) *fakeDialer {
	return &fakeDialer{
		newClients: clients,
		imported:   make(map[string]*fakeClient),
		importErr:  make(map[string]error),
	}
}

func (d *fakeDialer) NewClient(context.Context) (telegram.Client, error) {
	if d.newErr != nil {
		return nil, d.newErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.newClients) == 0 {
		return nil, fmt.Errorf("fakeDialer: no clients scripted")
	}
	client := d.newClients[0]
	d.newClients = d.newClients[1:]
	return client, nil
}

func (d *fakeDialer) ImportSession(_ context.Context, session string) (telegram.Client, error) {
	if err := d.importErr[session]; err != nil {
		return nil, err
	}
	client, ok := d.imported[session]
	if !ok {
		return nil, fmt.Errorf("fakeDialer: unknown session %q", session)
	}
	return client, nil
}

// memStore is an in-memory DataStore for engine tests.
type memStore struct {
	mu      sync.Mutex
	users   map[int64]*store.User
	tasks   []*store.Task
	allowed map[int64]*store.AllowListEntry

	upsertErr    error
	listTasksErr error
	panicOnList  bool
}

var _ DataStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[int64]*store.User),
		allowed: make(map[int64]*store.AllowListEntry),
	}
}

func userFixture(userID int64, phone, session string, loggedIn bool) *store.User {
	return &store.User{ID: userID, Phone: phone, Name: "Test", Session: session, LoggedIn: loggedIn}
}

func (m *memStore) allow(userID int64, admin bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowed[userID] = &store.AllowListEntry{UserID: userID, IsAdmin: admin}
}

func (m *memStore) UpsertSession(_ context.Context, userID int64, phone, name, session string) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = &store.User{ID: userID, Phone: phone, Name: name, Session: session, LoggedIn: true}
	return nil
}

func (m *memStore) SetLoggedOut(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		user.LoggedIn = false
	}
	return nil
}

func (m *memStore) GetUser(_ context.Context, userID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *user
	return &cp, nil
}

func (m *memStore) ListLoggedIn(context.Context) ([]*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var users []*store.User
	for _, user := range m.users {
		if user.LoggedIn && user.Session != "" {
			cp := *user
			users = append(users, &cp)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (m *memStore) AddTask(_ context.Context, userID int64, label string, sources, targets []int64, filters *store.FilterConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.UserID == userID && task.Label == label {
			return false, nil
		}
	}
	fc := store.DefaultFilterConfig()
	if filters != nil {
		fc = *filters
	}
	m.tasks = append(m.tasks, &store.Task{
		UserID: userID, Label: label, Sources: sources, Targets: targets,
		Filters: fc, Active: true,
	})
	return true, nil
}

func (m *memStore) RemoveTask(_ context.Context, userID int64, label string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, task := range m.tasks {
		if task.UserID == userID && task.Label == label {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) UpdateFilters(_ context.Context, userID int64, label string, filters store.FilterConfig) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.UserID == userID && task.Label == label {
			task.Filters = filters
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListActiveTasks(_ context.Context, userID int64) ([]*store.Task, error) {
	if m.panicOnList {
		panic("memStore: scripted panic")
	}
	if m.listTasksErr != nil {
		return nil, m.listTasksErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*store.Task
	// Most recent first.
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if m.tasks[i].UserID == userID && m.tasks[i].Active {
			cp := *m.tasks[i]
			tasks = append(tasks, &cp)
		}
	}
	return tasks, nil
}

func (m *memStore) ListAllActiveTasks(context.Context) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*store.Task
	for _, task := range m.tasks {
		if task.Active {
			cp := *task
			tasks = append(tasks, &cp)
		}
	}
	return tasks, nil
}

func (m *memStore) IsAllowed(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.allowed[userID]
	return ok, nil
}

func (m *memStore) IsAdmin(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.allowed[userID]
	return ok && entry.IsAdmin, nil
}

func (m *memStore) AddAllowed(_ context.Context, userID int64, username string, isAdmin bool, addedBy int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allowed[userID]; ok {
		return false, nil
	}
	m.allowed[userID] = &store.AllowListEntry{UserID: userID, Username: username, IsAdmin: isAdmin, AddedBy: addedBy}
	return true, nil
}

func (m *memStore) RemoveAllowed(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.allowed[userID]; !ok {
		return false, nil
	}
	delete(m.allowed, userID)
	return true, nil
}

func (m *memStore) ListAllowed(context.Context) ([]*store.AllowListEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []*store.AllowListEntry
	for _, entry := range m.allowed {
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}
