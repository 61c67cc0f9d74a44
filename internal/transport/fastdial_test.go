package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialFastIPLiteral(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		defer c.Close()
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := DialFast(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	<-accepted
}

func TestDialFastUnresolvableHostFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialFast(ctx, "this-host-does-not-resolve.invalid:9")
	require.Error(t, err)
}

func TestDialFastTransportAppliesSocketTuning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		defer c.Close()
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr, err := DialFastTransport(ctx, ln.Addr().String(), 0)
	require.NoError(t, err)
	defer tr.Close()
	<-accepted
}
