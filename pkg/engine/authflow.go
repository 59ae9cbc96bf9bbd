// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

var (
	// ErrNoActiveFlow is returned for text input when the user has no login
	// or logout handshake in progress.
	ErrNoActiveFlow = errors.New("no login or logout in progress")
	// ErrAlreadyLoggedIn is returned by StartLogin while a session is live.
	ErrAlreadyLoggedIn = errors.New("already logged in")
	// ErrNotLoggedIn is returned by operations that need a live session.
	ErrNotLoggedIn = errors.New("not logged in")
)

// Input formats for the code and second-factor steps. Anything else is
// re-prompted without a state change so the user can retry.
const (
	codePrefix     = "verify"
	passwordPrefix = "password"
)

// Replies rendered by the front-end adapter.
const (
	PromptPhone         = "Send the phone number of the account to link, in international format."
	PromptCode          = "Send the login code as verify<code>, e.g. verify12345."
	PromptSecondFactor  = "Two-step verification is enabled. Send the password as password<your password>."
	PromptLogoutConfirm = "Send the phone number of the linked account to confirm logout."
	ReplyLogoutMismatch = "That does not match the linked phone number. Logout not confirmed."
	ReplyLoggedOut      = "Logged out. The stored session has been deactivated."
	ReplyFlowCancelled  = "Cancelled."
)

type loginPhase int

const (
	phaseWaitingPhone loginPhase = iota + 1
	phaseWaitingCode
	phaseWaitingSecondFactor
)

// loginState is the transient per-user login handshake. Memory-only,
// discarded on completion, cancellation or any protocol-level error.
type loginState struct {
	phase    loginPhase
	client   telegram.Client
	phone    string
	codeHash string
}

// logoutState captures the phone number used as the confirmation token.
type logoutState struct {
	phone string
}

// AuthFlow drives the per-user login and logout handshakes. Inputs for a
// given user arrive sequentially (one text at a time from the front end);
// the mutex only guards the state maps against cross-user concurrency.
type AuthFlow struct {
	store    DataStore
	dialer   telegram.Dialer
	registry *SessionRegistry
	router   *ForwardingRouter
	log      zerolog.Logger

	mu      sync.Mutex
	logins  map[int64]*loginState
	logouts map[int64]*logoutState
}

// NewAuthFlow creates the flow manager.
func NewAuthFlow(st DataStore, dialer telegram.Dialer, registry *SessionRegistry, router *ForwardingRouter, log zerolog.Logger) *AuthFlow {
	return &AuthFlow{
		store:    st,
		dialer:   dialer,
		registry: registry,
		router:   router,
		log:      log.With().Str("component", "authflow").Logger(),
		logins:   make(map[int64]*loginState),
		logouts:  make(map[int64]*logoutState),
	}
}

// StartLogin creates a fresh unauthenticated client and moves the user to
// the waiting-for-phone state. A previous unfinished login attempt is
// discarded along with its transient connection.
func (f *AuthFlow) StartLogin(ctx context.Context, userID int64) (string, error) {
	if _, ok := f.registry.Lookup(userID); ok {
		return "", ErrAlreadyLoggedIn
	}
	client, err := f.dialer.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Disconnect()
		return "", fmt.Errorf("failed to connect: %w", err)
	}

	f.mu.Lock()
	if old, ok := f.logins[userID]; ok {
		old.client.Disconnect()
	}
	f.logins[userID] = &loginState{phase: phaseWaitingPhone, client: client}
	f.mu.Unlock()

	f.log.Info().Int64("user_id", userID).Msg("Login flow started")
	return PromptPhone, nil
}

// HandleText is the single text entry point for both handshakes. Logout
// confirmation is checked first so a user mid-logout is never misrouted
// into the login parser.
func (f *AuthFlow) HandleText(ctx context.Context, userID int64, text string) (string, error) {
	f.mu.Lock()
	lo := f.logouts[userID]
	ls := f.logins[userID]
	f.mu.Unlock()

	if lo != nil {
		return f.handleLogoutText(ctx, userID, lo, text)
	}
	if ls == nil {
		return "", ErrNoActiveFlow
	}
	switch ls.phase {
	case phaseWaitingPhone:
		return f.handlePhone(ctx, userID, ls, text)
	case phaseWaitingCode:
		return f.handleCode(ctx, userID, ls, text)
	case phaseWaitingSecondFactor:
		return f.handleSecondFactor(ctx, userID, ls, text)
	default:
		return "", ErrNoActiveFlow
	}
}

func (f *AuthFlow) handlePhone(ctx context.Context, userID int64, ls *loginState, text string) (string, error) {
	phone := strings.TrimSpace(text)
	if phone == "" {
		return PromptPhone, nil
	}
	codeHash, err := ls.client.RequestCode(ctx, phone)
	if err != nil {
		f.abortLogin(userID, ls)
		return "", fmt.Errorf("code request failed, restart with /login: %w", err)
	}
	ls.phone = phone
	ls.codeHash = codeHash
	ls.phase = phaseWaitingCode
	return PromptCode, nil
}

func (f *AuthFlow) handleCode(ctx context.Context, userID int64, ls *loginState, text string) (string, error) {
	code, ok := parseCodeInput(text)
	if !ok {
		return PromptCode, nil
	}
	profile, err := ls.client.SignIn(ctx, ls.phone, code, ls.codeHash)
	if errors.Is(err, telegram.ErrSecondFactorRequired) {
		ls.phase = phaseWaitingSecondFactor
		return PromptSecondFactor, nil
	}
	if err != nil {
		f.abortLogin(userID, ls)
		return "", fmt.Errorf("sign-in failed, restart with /login: %w", err)
	}
	return f.completeLogin(ctx, userID, ls, profile)
}

func (f *AuthFlow) handleSecondFactor(ctx context.Context, userID int64, ls *loginState, text string) (string, error) {
	secret, ok := parsePasswordInput(text)
	if !ok {
		return PromptSecondFactor, nil
	}
	profile, err := ls.client.SignInSecondFactor(ctx, secret)
	if err != nil {
		f.abortLogin(userID, ls)
		return "", fmt.Errorf("second factor rejected, restart with /login: %w", err)
	}
	return f.completeLogin(ctx, userID, ls, profile)
}

// completeLogin is the terminal state of a successful attempt: export the
// credential, persist the user, register the handle and arm the router.
// Any failure before the persist aborts without touching stored state.
func (f *AuthFlow) completeLogin(ctx context.Context, userID int64, ls *loginState, profile *telegram.Profile) (string, error) {
	session, err := ls.client.ExportSession(ctx)
	if err != nil || session == "" {
		f.abortLogin(userID, ls)
		if err == nil {
			err = errors.New("empty session blob")
		}
		return "", fmt.Errorf("failed to export session: %w", err)
	}
	name := profile.FirstName
	if name == "" {
		name = profile.Username
	}
	if err := f.store.UpsertSession(ctx, userID, ls.phone, name, session); err != nil {
		f.abortLogin(userID, ls)
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	handle := NewSessionHandle(userID, ls.phone, name, ls.client, f.log)
	if err := f.registry.Register(userID, handle); err != nil {
		handle.Close()
		f.clearLogin(userID)
		return "", err
	}
	f.router.Attach(userID, handle)
	f.clearLogin(userID)

	f.log.Info().Int64("user_id", userID).Str("phone", ls.phone).Msg("Login complete")
	return fmt.Sprintf("Logged in as %s. Forwarding is armed.", name), nil
}

// StartLogout requires an existing live session and captures the stored
// phone number as the confirmation token.
func (f *AuthFlow) StartLogout(ctx context.Context, userID int64) (string, error) {
	user, err := f.store.GetUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || !user.LoggedIn {
		return "", ErrNotLoggedIn
	}
	if _, ok := f.registry.Lookup(userID); !ok {
		return "", ErrNotLoggedIn
	}

	f.mu.Lock()
	f.logouts[userID] = &logoutState{phone: user.Phone}
	f.mu.Unlock()

	f.log.Info().Int64("user_id", userID).Msg("Logout confirmation requested")
	return PromptLogoutConfirm, nil
}

// handleLogoutText completes logout iff the text equals the stored phone
// number exactly. No normalization: a near-miss stays in the confirmation
// state and reports the mismatch.
func (f *AuthFlow) handleLogoutText(ctx context.Context, userID int64, lo *logoutState, text string) (string, error) {
	if text != lo.phone {
		return ReplyLogoutMismatch, nil
	}

	f.router.Detach(userID)
	if handle, ok := f.registry.Unregister(userID); ok {
		handle.Close()
	}
	f.mu.Lock()
	delete(f.logouts, userID)
	f.mu.Unlock()

	if err := f.store.SetLoggedOut(ctx, userID); err != nil {
		return "", fmt.Errorf("session closed but failed to update store: %w", err)
	}
	f.log.Info().Int64("user_id", userID).Msg("Logout complete")
	return ReplyLoggedOut, nil
}

// Cancel discards any in-progress login or logout handshake for the user
// and reports whether there was one. The live session, if any, is untouched.
func (f *AuthFlow) Cancel(userID int64) bool {
	f.mu.Lock()
	ls, hadLogin := f.logins[userID]
	_, hadLogout := f.logouts[userID]
	delete(f.logins, userID)
	delete(f.logouts, userID)
	f.mu.Unlock()

	if hadLogin {
		ls.client.Disconnect()
	}
	if hadLogin || hadLogout {
		f.log.Info().Int64("user_id", userID).Msg("Flow cancelled")
	}
	return hadLogin || hadLogout
}

// abortLogin discards the transient state after a protocol-level failure.
// Persisted login state is untouched, so an aborted attempt is invisible
// in the store.
func (f *AuthFlow) abortLogin(userID int64, ls *loginState) {
	ls.client.Disconnect()
	f.clearLogin(userID)
	f.log.Info().Int64("user_id", userID).Msg("Login attempt aborted")
}

func (f *AuthFlow) clearLogin(userID int64) {
	f.mu.Lock()
	delete(f.logins, userID)
	f.mu.Unlock()
}

// parseCodeInput accepts "verify<digits>" and returns the digits.
func parseCodeInput(text string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), codePrefix)
	if !ok || rest == "" {
		return "", false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return rest, true
}

// parsePasswordInput accepts "password<secret>" with a non-empty secret.
// The secret is taken verbatim, including whitespace.
func parsePasswordInput(text string) (string, bool) {
	rest, ok := strings.CutPrefix(text, passwordPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}
