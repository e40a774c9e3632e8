package peerchat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocket close codes the link cares about.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// CloseError is returned by Conn.ReadText when the connection ends. Code is
// the peer's close code, or CloseAbnormal if the socket just went away.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel closed (%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("channel closed (%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Conn is one established duplex connection.
type Conn interface {
	// ReadText blocks for the next text frame. It returns a *CloseError once
	// the connection is gone.
	ReadText() ([]byte, error)
	WriteText(p []byte) error
	// CloseWith sends a close frame and releases the connection.
	CloseWith(code int, reason string) error
	// Close releases the connection without a close frame. It is used once
	// the connection has failed or the peer has already closed it.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials WebSocket connections with gobwas/ws.
type WSDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	var src io.Reader = conn
	if br != nil {
		// The server may have sent frames right after the handshake.
		src = io.MultiReader(br, conn)
	}

	c := &wsConn{conn: conn}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c, nil
}

type wsConn struct {
	conn   net.Conn
	reader *wsutil.Reader

	wmu       sync.Mutex // one frame on the wire at a time
	closeOnce sync.Once
}

func (c *wsConn) ReadText() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, &CloseError{Code: CloseAbnormal, Err: err}
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, closeErrorFrom(err)
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := c.reader.Discard(); err != nil {
				return nil, &CloseError{Code: CloseAbnormal, Err: err}
			}
			continue
		}
		data, err := io.ReadAll(c.reader)
		if err != nil {
			return nil, closeErrorFrom(err)
		}
		return data, nil
	}
}

// control answers pings and close frames. Replies are buffered so they go
// out as a single write under wmu.
func (c *wsConn) control(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateClientSide)(h, r)
	if buf.Len() > 0 {
		if werr := c.write(buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (c *wsConn) WriteText(p []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientText(&buf, p); err != nil {
		return err
	}
	return c.write(buf.Bytes())
}

func (c *wsConn) write(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

func (c *wsConn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		var buf bytes.Buffer
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		if werr := ws.WriteFrame(&buf, ws.MaskFrameInPlace(ws.NewCloseFrame(body))); werr == nil {
			_ = c.write(buf.Bytes())
		}
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func closeErrorFrom(err error) *CloseError {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		return &CloseError{Code: int(closed.Code), Reason: closed.Reason}
	}
	return &CloseError{Code: CloseAbnormal, Err: err}
}
