package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

func TestBroadcast(t *testing.T) {
	assert := assert.New(t)

	var evicted []transport.Conn
	srv := NewServer(&Config{
		OnClientEvicted: func(conn transport.Conn) { evicted = append(evicted, conn) },
	})

	conns := make([]*fakeConn, 5)
	for i := range conns {
		conns[i] = newFakeConn()
		assert.Equal(i+1, srv.RegisterClient(conns[i]))
	}
	conns[1].fail()
	conns[3].Close()

	msg := wire.MustNew("NOTICE", "hello")
	assert.Equal(3, srv.Broadcast(msg))
	assert.Equal(3, srv.ClientCount())

	for _, i := range []int{0, 2, 4} {
		written := conns[i].messages()
		require.Len(t, written, 1)
		assert.Same(msg, written[0])
		assert.True(conns[i].IsOpen())
	}
	assert.Empty(conns[1].messages())
	assert.False(conns[1].IsOpen())
	assert.Empty(conns[3].messages())

	assert.ElementsMatch([]transport.Conn{conns[1], conns[3]}, evicted)

	// a second pass only reaches the survivors
	assert.Equal(3, srv.Broadcast(msg))
	assert.Len(conns[0].messages(), 2)
}

func TestBroadcastEmpty(t *testing.T) {
	srv := NewServer(nil)
	assert.Equal(t, 0, srv.Broadcast(wire.MustNew("NOTICE", nil)))
}

func TestBroadcastDuplicateRegistration(t *testing.T) {
	assert := assert.New(t)
	srv := NewServer(nil)

	conn := newFakeConn()
	srv.RegisterClient(conn)
	srv.RegisterClient(conn)

	assert.Equal(2, srv.Broadcast(wire.MustNew("NOTICE", nil)))
	assert.Len(conn.messages(), 2)
}

func TestSendEvictsClosedClient(t *testing.T) {
	assert := assert.New(t)
	srv := NewServer(nil)

	alive, dead := newFakeConn(), newFakeConn()
	srv.RegisterClient(alive)
	srv.RegisterClient(dead)
	dead.Close()

	assert.False(srv.Send(wire.MustNew("PONG", nil), dead))
	assert.Equal(1, srv.ClientCount())

	assert.True(srv.Send(wire.MustNew("PONG", nil), alive))
	assert.Len(alive.messages(), 1)
	assert.Equal(1, srv.ClientCount())
}

func TestSendFailureClosesClient(t *testing.T) {
	assert := assert.New(t)
	srv := NewServer(nil)

	conn := newFakeConn()
	srv.RegisterClient(conn)
	conn.fail()

	assert.False(srv.Send(wire.MustNew("PONG", nil), conn))
	assert.False(conn.IsOpen())
	assert.Equal(0, srv.ClientCount())
}

func TestSendToUnregisteredConn(t *testing.T) {
	assert := assert.New(t)
	srv := NewServer(nil)

	conn := newFakeConn()
	assert.True(srv.Send(wire.MustNew("PONG", nil), conn))
	assert.Len(conn.messages(), 1)

	assert.False(srv.Send(nil, conn))
	assert.False(srv.Send(wire.MustNew("PONG", nil), nil))
	assert.Equal(0, srv.ClientCount())
}

func TestForgetClient(t *testing.T) {
	assert := assert.New(t)
	srv := NewServer(nil)

	conn := newFakeConn()
	srv.RegisterClient(conn)

	assert.True(srv.ForgetClient(conn))
	assert.False(srv.ForgetClient(conn))
	assert.True(conn.IsOpen())
	assert.Equal(0, srv.ClientCount())
}

func TestDuplicateClientEvictedOnce(t *testing.T) {
	assert := assert.New(t)

	var evicted []transport.Conn
	srv := NewServer(&Config{
		OnClientEvicted: func(conn transport.Conn) { evicted = append(evicted, conn) },
	})

	conn := newFakeConn()
	srv.RegisterClient(conn)
	srv.RegisterClient(conn)
	conn.fail()

	assert.Equal(0, srv.Broadcast(wire.MustNew("NOTICE", nil)))
	assert.Equal([]transport.Conn{conn}, evicted)
	assert.Equal(1, conn.closeCount())
}

func TestClientsConcurrent(t *testing.T) {
	assert := assert.New(t)

	const healthy, failing, broadcasters = 5, 50, 4

	var evicted atomic.Int32
	srv := NewServer(&Config{
		OnClientEvicted: func(transport.Conn) { evicted.Add(1) },
	})

	survivors := make([]*fakeConn, healthy)
	for i := range survivors {
		survivors[i] = newFakeConn()
		srv.RegisterClient(survivors[i])
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var grew atomic.Bool

	for i := 0; i < broadcasters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if srv.Broadcast(wire.MustNew("NOTICE", nil)) > healthy+failing {
					grew.Store(true)
				}
			}
		}()
	}

	var senders sync.WaitGroup
	for i := 0; i < failing; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			conn := newFakeConn()
			conn.fail()
			srv.RegisterClient(conn)
			srv.Send(wire.MustNew("PONG", nil), conn)
		}()
	}
	senders.Wait()
	close(stop)
	wg.Wait()

	assert.False(grew.Load())
	assert.Equal(healthy, srv.ClientCount())
	assert.EqualValues(failing, evicted.Load())
	for _, conn := range survivors {
		assert.True(conn.IsOpen())
	}
}
