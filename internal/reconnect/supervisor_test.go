package reconnect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	deskerrors "deskrelay/internal/errors"
)

func TestClassifyMapsKinds(t *testing.T) {
	require.Equal(t, PartnerLeft, Classify(deskerrors.New(deskerrors.KindPartnerLeft, "x")))
	require.Equal(t, ServerLost, Classify(deskerrors.New(deskerrors.KindServerLost, "x")))
	require.Equal(t, ServerLost, Classify(deskerrors.New(deskerrors.KindTransport, "x")))
	require.Equal(t, Fatal, Classify(deskerrors.New(deskerrors.KindAuth, "x")))
	require.Equal(t, Fatal, Classify(deskerrors.New(deskerrors.KindProtocol, "x")))
}

func TestPartnerLeftKeepsControlLink(t *testing.T) {
	stopped := false
	s := New(func() { stopped = true }, nil, nil)

	class, err := s.Handle(context.Background(), deskerrors.New(deskerrors.KindPartnerLeft, "peer gone"))
	require.NoError(t, err)
	require.Equal(t, PartnerLeft, class)
	require.False(t, stopped, "PartnerLeft must not tear down the control link")
}

func TestFatalNeverRetries(t *testing.T) {
	dialed := 0
	s := New(func() {}, func(context.Context, int) error { dialed++; return nil }, nil)

	class, err := s.Handle(context.Background(), deskerrors.New(deskerrors.KindAuth, "bad password"))
	require.Error(t, err)
	require.Equal(t, Fatal, class)
	require.Equal(t, 0, dialed)
}

func TestServerLostStopsThenRetriesUntilSuccess(t *testing.T) {
	stopped := false
	attempts := 0
	s := New(
		func() { stopped = true },
		func(_ context.Context, attempt int) error {
			attempts++
			if attempt < 3 {
				return deskerrors.New(deskerrors.KindTransport, "still down")
			}
			return nil
		},
		nil,
	)

	class, err := s.Handle(context.Background(), deskerrors.New(deskerrors.KindServerLost, "relay gone"))
	require.NoError(t, err)
	require.Equal(t, ServerLost, class)
	require.True(t, stopped)
	require.Equal(t, 3, attempts)
}

func TestServerLostExhaustsAttempts(t *testing.T) {
	s := New(func() {}, func(context.Context, int) error {
		return deskerrors.New(deskerrors.KindTransport, "still down")
	}, nil)

	_, err := s.Handle(context.Background(), deskerrors.New(deskerrors.KindServerLost, "relay gone"))
	require.ErrorIs(t, err, ErrReconnectFailed)
	require.Equal(t, MaxAttempts, s.LastAttempt())
}
