// Package reconnect implements RC (spec §4.8): classifies session-ending
// errors into PartnerLeft/ServerLost/Fatal and drives the bounded
// reconnect loop for the ServerLost case.
package reconnect

import (
	"context"
	"time"

	"go.uber.org/zap"

	deskerrors "deskrelay/internal/errors"
)

// Classification is the three-way split of spec §4.8.
type Classification int

const (
	// PartnerLeft: the tunnel is still healthy, only the peer session
	// ended. Keep the relay control link; move back to idle-registered.
	PartnerLeft Classification = iota
	// ServerLost: the tunnel itself failed or the relay control link
	// died. Tear down PS and attempt bounded reconnects.
	ServerLost
	// Fatal: protocol error, auth failure, or user teardown. No retries.
	Fatal
)

func (c Classification) String() string {
	switch c {
	case PartnerLeft:
		return "partner_left"
	case ServerLost:
		return "server_lost"
	default:
		return "fatal"
	}
}

// Classify maps a session-terminal error to its Classification per spec
// §4.8 / §7 "Propagation policy".
func Classify(err error) Classification {
	switch deskerrors.Classify(err) {
	case deskerrors.KindPartnerLeft:
		return PartnerLeft
	case deskerrors.KindServerLost, deskerrors.KindTransport, deskerrors.KindTimeout:
		return ServerLost
	default:
		return Fatal
	}
}

// MaxAttempts and RetryInterval are the bounded retry parameters of spec
// §4.8 ("up to 5 reconnects at 2 s intervals").
const (
	MaxAttempts   = 5
	RetryInterval = 2 * time.Second
)

// Dialer reconnects to the relay and performs whatever registration is
// needed, returning a fresh session handle the caller resumes with.
// attempt is the 1-based attempt number; the Dialer is called once per
// attempt, so it is the place to regenerate the local ClientId.
type Dialer func(ctx context.Context, attempt int) error

// Stopper stops every timer and worker associated with the previous
// session before the first reconnect attempt begins (spec §4.8: "During
// reconnection, all timers and the PS worker must be stopped before the
// first reconnect attempt").
type Stopper func()

// ErrReconnectFailed is returned when every attempt is exhausted.
var ErrReconnectFailed = deskerrors.New(deskerrors.KindServerLost, "reconnect: exhausted all attempts")

// Supervisor runs the RC state logic around one peer/relay connection
// lifecycle. It holds no socket of its own; Stop/Dial are the caller's
// collaborators so the actual transport and session types stay decoupled
// from this package.
type Supervisor struct {
	log     *zap.Logger
	stop    Stopper
	dial    Dialer
	attempt int
}

// New builds a Supervisor. stop tears down the prior session's timers and
// worker; dial performs one reconnect attempt.
func New(stop Stopper, dial Dialer, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{log: log, stop: stop, dial: dial}
}

// Handle classifies err and, for ServerLost, drives the bounded retry
// loop. It returns the Classification so the caller can decide the
// resulting user-facing state (idle-registered for PartnerLeft/success,
// ReconnectFailed for an exhausted ServerLost, or immediate teardown for
// Fatal).
func (s *Supervisor) Handle(ctx context.Context, err error) (Classification, error) {
	class := Classify(err)
	switch class {
	case PartnerLeft:
		s.log.Info("reconnect: partner left, control link stays up")
		return class, nil
	case Fatal:
		s.log.Warn("reconnect: fatal error, no retry", zap.Error(err))
		return class, err
	case ServerLost:
		return class, s.retryLoop(ctx)
	default:
		return class, err
	}
}

func (s *Supervisor) retryLoop(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		s.attempt = attempt
		select {
		case <-ctx.Done():
			return deskerrors.Wrap(deskerrors.KindCancelled, ctx.Err(), "reconnect: cancelled")
		default:
		}

		s.log.Info("reconnect: attempting", zap.Int("attempt", attempt), zap.Int("max", MaxAttempts))
		if err := s.dial(ctx, attempt); err == nil {
			s.log.Info("reconnect: succeeded", zap.Int("attempt", attempt))
			return nil
		} else {
			s.log.Warn("reconnect: attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if attempt < MaxAttempts {
			select {
			case <-ctx.Done():
				return deskerrors.Wrap(deskerrors.KindCancelled, ctx.Err(), "reconnect: cancelled")
			case <-time.After(RetryInterval):
			}
		}
	}
	return ErrReconnectFailed
}

// LastAttempt returns the most recent attempt number Handle drove, 0 if
// none has run yet.
func (s *Supervisor) LastAttempt() int { return s.attempt }
