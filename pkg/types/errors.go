package types

import (
	"errors"
	"fmt"
)

// ErrLoggedOut is reported by an automation round-trip that lands on a login
// page or otherwise observes an unauthenticated page.
var ErrLoggedOut = errors.New("provider page is logged out")

// AuthenticationError reports a failed login attempt. Stage is 1-based and
// identifies the step of the strategy that failed.
type AuthenticationError struct {
	Provider    Provider
	SessionName string
	Stage       int
	StageName   string
	Err         error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s/%s: authentication failed at stage %d (%s): %v",
		e.Provider, e.SessionName, e.Stage, e.StageName, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SessionExpiredError reports that a session kept losing its login after all
// re-authentication attempts were used.
type SessionExpiredError struct {
	Provider    Provider
	SessionName string
	Err         error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("%s/%s: session expired: %v", e.Provider, e.SessionName, e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// AutomationTimeoutError reports that the round-trip kept failing for timing
// reasons (step timeouts, stale pages, deadline exceeded).
type AutomationTimeoutError struct {
	Provider    Provider
	SessionName string
	Attempts    int
	Err         error
}

func (e *AutomationTimeoutError) Error() string {
	return fmt.Sprintf("%s/%s: automation failed after %d attempt(s): %v",
		e.Provider, e.SessionName, e.Attempts, e.Err)
}

func (e *AutomationTimeoutError) Unwrap() error { return e.Err }

// ProviderUnavailableError reports that no automation handle could be created.
type ProviderUnavailableError struct {
	Provider    Provider
	SessionName string
	Err         error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s/%s: provider unavailable: %v", e.Provider, e.SessionName, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// CacheCorruptionError reports that the cache store could not be read or written.
type CacheCorruptionError struct {
	Op          string
	Fingerprint string
	Err         error
}

func (e *CacheCorruptionError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, shortFingerprint(e.Fingerprint), e.Err)
}

func (e *CacheCorruptionError) Unwrap() error { return e.Err }

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
