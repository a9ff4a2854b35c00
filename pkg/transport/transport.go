// Package transport exchanges tagged protocol frames over a single
// point-to-point connection. Frames are newline-delimited JSON; send and
// receive are blocking with bounded deadlines. The connection is owned by
// exactly one handshake session and must be closed on every exit path.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog"

	"github.com/davidp94/sgx-ra-challenger/pkg/protocol"
)

const (
	// DefaultDialTimeout bounds the initial connection attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultIOTimeout bounds each frame send and receive so a stalled or
	// malicious peer cannot block the session indefinitely.
	DefaultIOTimeout = 30 * time.Second

	// maxFrameSize caps one frame; sigRLs and quotes are small, anything
	// larger is a misbehaving peer.
	maxFrameSize = 4 << 20
)

// Conn is one framed connection.
type Conn struct {
	conn      net.Conn
	reader    *bufio.Reader
	ioTimeout time.Duration
	logger    zerolog.Logger
}

// Config carries the transport knobs.
type Config struct {
	// DialTimeout bounds connection establishment. Zero means the default.
	DialTimeout time.Duration
	// IOTimeout bounds each send and receive. Zero means the default.
	IOTimeout time.Duration
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return c.DialTimeout
}

func (c Config) ioTimeout() time.Duration {
	if c.IOTimeout <= 0 {
		return DefaultIOTimeout
	}
	return c.IOTimeout
}

// Dial opens a TCP connection to addr ("host:port").
func Dial(ctx context.Context, addr string, cfg Config, logger zerolog.Logger) (*Conn, error) {
	dialer := net.Dialer{Timeout: cfg.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn, cfg, logger), nil
}

// DialVsock opens a vsock connection to an enclave host by context id and
// port.
func DialVsock(cid, port uint32, cfg Config, logger zerolog.Logger) (*Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vsock cid %d port %d: %w", cid, port, err)
	}
	return New(conn, cfg, logger), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg Config, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, 64<<10),
		ioTimeout: cfg.ioTimeout(),
		logger:    logger,
	}
}

// Send writes one frame followed by a newline. Cancelling ctx interrupts a
// blocked write.
func (c *Conn) Send(ctx context.Context, frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(data); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("send frame: %w", ctx.Err())
		}
		return fmt.Errorf("send frame: %w", err)
	}
	c.logger.Debug().Stringer("frameType", frame.Type).Int("bytes", len(data)).Msg("Frame sent.")
	return nil
}

// Recv reads one newline-delimited frame. Cancelling ctx interrupts a
// blocked read.
func (c *Conn) Recv(ctx context.Context) (*protocol.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	line, err := c.readLine()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("receive frame: %w", ctx.Err())
		}
		return nil, fmt.Errorf("receive frame: %w", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	c.logger.Debug().Stringer("frameType", frame.Type).Int("bytes", len(line)).Msg("Frame received.")
	return &frame, nil
}

// readLine accumulates bytes up to the newline delimiter, aborting as soon
// as the frame limit is crossed so a peer streaming newline-free bytes
// cannot grow the buffer past the cap.
func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d byte limit", maxFrameSize)
		}
		if err == nil {
			return line, nil
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// Close tears the connection down. Safe to call on every exit path.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
