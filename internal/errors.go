package internal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

type ErrorKind string

const (
	KindConfig     ErrorKind = "config"
	KindAuth       ErrorKind = "auth"
	KindConstraint ErrorKind = "constraint"
	KindNotFound   ErrorKind = "not_found"
	KindBackend    ErrorKind = "backend"
)

var (
	ErrLoginInProgress = errors.New("login already in progress")
	ErrNotLoggedIn     = errors.New("not logged in")
)

// ProviderError is the only error type returned across the provider boundary.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func newProviderError(provider string, kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

func IsAuth(err error) bool {
	return KindOf(err) == KindAuth || errors.Is(err, ErrNotLoggedIn)
}

var (
	missingRelation = regexp.MustCompile(`relation "[a-zA-Z0-9_.]+" does not exist`)
	duplicateKey    = regexp.MustCompile(`(?i)duplicate key|unique constraint|UNIQUE constraint failed|Duplicate entry|E11000`)
)

// classify maps a raw backend error to a kind and a user-readable message.
func classify(err error) (ErrorKind, string) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind, pe.Message
	}
	if errors.Is(err, ErrNotLoggedIn) {
		return KindAuth, err.Error()
	}

	msg := err.Error()
	switch {
	case missingRelation.MatchString(msg):
		return KindConstraint, "Custom storage is not properly initialized"
	case duplicateKey.MatchString(msg):
		return KindConstraint, "A map with this name already exists"
	case strings.Contains(msg, "No client ID has been specified"):
		return KindConfig, "No client ID set"
	}
	return KindBackend, msg
}

// manageError converts err into a *ProviderError and logs it.
func manageError(logger zerolog.Logger, provider string, err error) error {
	if err == nil {
		return nil
	}
	kind, msg := classify(err)

	event := logger.Error()
	if kind == KindNotFound || kind == KindAuth {
		event = logger.Warn()
	}
	event.Err(err).Str("kind", string(kind)).Msg(msg)

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Provider == provider {
		return pe
	}
	return &ProviderError{Provider: provider, Kind: kind, Message: msg, Err: err}
}
