// Package secret exposes a credential to exactly one child process through
// the process environment and removes it again afterwards.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/kebairia/borgmon/internal/logger"
)

// ErrScopeActive is returned when a scope is entered while another one is
// still open. The environment slot is process-wide.
var ErrScopeActive = errors.New("secret scope already active")

var active atomic.Bool

// Scope sets one environment variable for the duration of Do.
type Scope struct {
	name    string
	sources []Source
	log     logger.Logger
}

// NewScope returns a scope for the variable name. Sources are tried in order;
// with none configured the scope only warns.
func NewScope(name string, log logger.Logger, sources ...Source) *Scope {
	if log == nil {
		log = logger.Nop()
	}
	return &Scope{name: name, sources: sources, log: log}
}

// Do resolves the secret, exports it, runs fn and unsets the variable on
// every exit path, panics included.
func (s *Scope) Do(ctx context.Context, fn func() error) error {
	if !active.CompareAndSwap(false, true) {
		return ErrScopeActive
	}
	defer active.Store(false)

	value, found, err := s.resolve(ctx)
	if err != nil {
		return err
	}
	if !found {
		s.log.Warn("no passphrase configured", "variable", s.name)
		return fn()
	}

	if err := os.Setenv(s.name, value); err != nil {
		return fmt.Errorf("set %s: %w", s.name, err)
	}
	defer os.Unsetenv(s.name)

	return fn()
}

func (s *Scope) resolve(ctx context.Context) (string, bool, error) {
	for _, src := range s.sources {
		value, err := src.Secret(ctx)
		switch {
		case err == nil:
			s.log.Debug("passphrase resolved", "source", src.Name())
			return value, true, nil
		case errors.Is(err, ErrUnavailable):
			s.log.Warn("passphrase source unavailable",
				"source", src.Name(),
				"error", err.Error(),
			)
		default:
			return "", false, err
		}
	}
	return "", false, nil
}
