package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/davidp94/sgx-ra-challenger/pkg/protocol"
	"github.com/davidp94/sgx-ra-challenger/pkg/transport"
)

// pipePair returns two framed connections talking to each other over a
// real TCP socket.
func pipePair(t *testing.T, cfg transport.Config) (*transport.Conn, *transport.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := transport.Dial(t.Context(), listener.Addr().String(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-accepted:
		server := transport.New(conn, cfg, zerolog.Nop())
		t.Cleanup(func() { _ = server.Close() })
		return client, server
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for accept")
		return nil, nil
	}
}

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	client, peer := pipePair(t, transport.Config{})

	sent, err := protocol.NewFrame(protocol.TypeMsg0, protocol.Msg0{ExtendedEpidGid: 7})
	require.NoError(t, err)
	require.NoError(t, client.Send(t.Context(), sent))

	received, err := peer.Recv(t.Context())
	require.NoError(t, err)
	require.Equal(t, protocol.TypeMsg0, received.Type)

	msg0, err := protocol.DecodeMsg0(received)
	require.NoError(t, err)
	require.Equal(t, uint32(7), msg0.ExtendedEpidGid)
}

func TestRecvTimeout(t *testing.T) {
	t.Parallel()

	client, _ := pipePair(t, transport.Config{IOTimeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := client.Recv(t.Context())
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "read should be bounded by the IO timeout")
}

func TestRecvContextCancel(t *testing.T) {
	t.Parallel()

	client, _ := pipePair(t, transport.Config{IOTimeout: time.Minute})

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := client.Recv(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRecvRejectsOversizeFrame(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	// Stream 5 MiB of newline-free bytes; the receiver must give up as
	// soon as the frame limit is crossed, not buffer the whole stream or
	// wait out the IO timeout.
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		chunk := make([]byte, 1<<20)
		for i := range chunk {
			chunk[i] = 'x'
		}
		for i := 0; i < 5; i++ {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	}()

	client, err := transport.Dial(t.Context(), listener.Addr().String(), transport.Config{IOTimeout: time.Minute}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	start := time.Now()
	_, err = client.Recv(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "byte limit")
	require.Less(t, time.Since(start), 30*time.Second)
}

func TestRecvRejectsGarbageFrame(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck
		_, _ = conn.Write([]byte("not json\n"))
	}()

	client, err := transport.Dial(t.Context(), listener.Addr().String(), transport.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.Recv(t.Context())
	require.Error(t, err)
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	// Port 1 on localhost is almost certainly closed.
	_, err := transport.Dial(t.Context(), "127.0.0.1:1", transport.Config{DialTimeout: time.Second}, zerolog.Nop())
	require.Error(t, err)
}
