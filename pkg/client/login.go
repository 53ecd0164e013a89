package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/synacgo/synac/pkg/protocol"
)

// ErrLoginTimeout is returned when the server never responds to a
// login attempt within the timeout window.
var ErrLoginTimeout = errors.New("client: login timed out")

// LoginFatalError wraps a server-reported error code that should abort
// the connection attempt outright rather than fall back to a password.
type LoginFatalError struct {
	Code uint8
}

func (e *LoginFatalError) Error() string {
	return fmt.Sprintf("client: login rejected (code %d)", e.Code)
}

// Login authenticates s as name, trying a stored token first (if
// non-empty) and falling back to password on LOGIN_INVALID or
// MISSING_FIELD per spec 9's documented fallback order. Every other
// error code is fatal: banned, bot-mismatched, rate-limited, or
// over the per-IP connection limit all abort immediately rather than
// retry. On success the newly issued token is returned for the caller
// to persist.
func Login(s *Session, name string, bot bool, token, password string) (protocol.LoginSuccess, error) {
	if token != "" {
		res, err := attemptLogin(s, protocol.Login{Name: name, Bot: bot, Token: &token})
		if err == nil {
			return res, nil
		}
		var fatal *LoginFatalError
		if errors.As(err, &fatal) {
			switch fatal.Code {
			case protocol.ErrLoginInvalid, protocol.ErrMissingField:
				// stale or rejected token: fall through to password.
			default:
				return protocol.LoginSuccess{}, err
			}
		} else {
			return protocol.LoginSuccess{}, err
		}
	}

	if password == "" {
		return protocol.LoginSuccess{}, errors.New("client: no token and no password supplied")
	}
	return attemptLogin(s, protocol.Login{Name: name, Bot: bot, Password: &password})
}

func attemptLogin(s *Session, req protocol.Login) (protocol.LoginSuccess, error) {
	if err := s.Send(req); err != nil {
		return protocol.LoginSuccess{}, err
	}

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()

	for {
		select {
		case p, ok := <-s.Incoming():
			if !ok {
				return protocol.LoginSuccess{}, errors.New("client: connection closed during login")
			}
			switch v := p.(type) {
			case protocol.LoginSuccess:
				return v, nil
			case protocol.Err:
				return protocol.LoginSuccess{}, &LoginFatalError{Code: v.Code}
			case protocol.RateLimited:
				return protocol.LoginSuccess{}, fmt.Errorf("client: login rate limited, retry in %d seconds", v.SecondsLeft)
			}
			// any other packet before login completes is ignored.
		case err := <-s.Errors():
			return protocol.LoginSuccess{}, err
		case <-timeout.C:
			return protocol.LoginSuccess{}, ErrLoginTimeout
		}
	}
}
