package transport

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digineo/dispatchd/wire"
)

func dialPair(t *testing.T, name string, opts Options) (Listener, Conn, Conn) {
	t.Helper()

	ln, err := Listen(name, "127.0.0.1:0", opts)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, name, ln.Addr().String(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
		return ln, client, server
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	return nil, nil, nil
}

func TestRoundTrip(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			_, client, server := dialPair(t, name, Options{})

			assert.NotEmpty(client.ID())
			assert.NotEqual(client.ID(), server.ID())
			assert.True(client.IsOpen())
			assert.True(server.IsOpen())
			assert.NotNil(server.RemoteAddr())

			require.NoError(t, client.WriteMessage(wire.MustNew("PING", map[string]int{"seq": 1})))
			msg, err := server.ReadMessage()
			require.NoError(t, err)
			assert.Equal("PING", msg.ID())
			assert.JSONEq(`{"seq":1}`, string(msg.Payload()))

			require.NoError(t, server.WriteMessage(wire.MustNew("PONG", nil)))
			reply, err := client.ReadMessage()
			require.NoError(t, err)
			assert.Equal("PONG", reply.ID())
		})
	}
}

func TestClosedConn(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			_, client, server := dialPair(t, name, Options{})

			assert.NoError(server.Close())
			assert.NoError(server.Close())
			assert.False(server.IsOpen())
			assert.Equal(ErrConnClosed, server.WriteMessage(wire.MustNew("X", nil)))
			_, err := server.ReadMessage()
			assert.Equal(ErrConnClosed, err)

			// the peer notices on its next read
			_, err = client.ReadMessage()
			assert.Error(err)
			assert.False(client.IsOpen())
		})
	}
}

func TestAcceptAfterClose(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			ln, err := Listen(name, "127.0.0.1:0", Options{})
			require.NoError(t, err)

			errs := make(chan error, 1)
			go func() {
				_, err := ln.Accept()
				errs <- err
			}()

			time.Sleep(20 * time.Millisecond)
			require.NoError(t, ln.Close())

			select {
			case err := <-errs:
				assert.True(t, errors.Is(err, net.ErrClosed), "unexpected error: %v", err)
			case <-time.After(2 * time.Second):
				t.Fatal("accept did not return after close")
			}
		})
	}
}

func TestReadTimeout(t *testing.T) {
	_, _, server := dialPair(t, "tcp", Options{})

	require.NoError(t, server.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, err := server.ReadMessage()

	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "unexpected error: %v", err)
	assert.True(t, netErr.Timeout())
	assert.False(t, server.IsOpen())
}

func TestFrameLimit(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			_, client, server := dialPair(t, name, Options{MaxFrameSize: 32})

			require.NoError(t, client.WriteMessage(wire.MustNew("BIG", string(make([]byte, 64)))))
			_, err := server.ReadMessage()
			assert.Error(t, err)
			assert.False(t, server.IsOpen())
		})
	}
}

func TestUnknownTransport(t *testing.T) {
	_, err := Listen("carrier-pigeon", "127.0.0.1:0", Options{})
	assert.True(t, errors.Is(err, ErrUnknownTransport))

	_, err = Dial(context.Background(), "carrier-pigeon", "127.0.0.1:1", Options{})
	assert.True(t, errors.Is(err, ErrUnknownTransport))

	assert.Equal(t, []string{"tcp", "ws"}, Names())
}

func TestListenAddressInUse(t *testing.T) {
	ln, err := Listen("tcp", "127.0.0.1:0", Options{})
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen("tcp", ln.Addr().String(), Options{})
	assert.Error(t, err)
}

func TestReusePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT semantics differ on", runtime.GOOS)
	}

	first, err := Listen("tcp", "127.0.0.1:0", Options{ReusePort: true})
	require.NoError(t, err)
	defer first.Close()

	second, err := Listen("tcp", first.Addr().String(), Options{ReusePort: true})
	require.NoError(t, err)
	second.Close()
}
