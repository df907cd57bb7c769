package pinnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/temoto/atomic_clock"

	"github.com/pinlab/pinlink/helpers"
)

// wsConn carries the same framed byte stream over a websocket, for networks
// where raw TCP to the relay is filtered. Binary messages only.
// gorilla/websocket cannot resume reading after a read deadline fires, so a
// pump goroutine reads continuously and ReadSome drains a channel instead.
type wsConn struct {
	err  helpers.AtomicError
	last atomic_clock.Clock
	ws   *websocket.Conn
	opt  ConnOptions
	stat Stat
	msgs chan []byte
	rerr chan error
	done chan struct{}
}

var _ Conn = &wsConn{}

func dialWs(ctx context.Context, rawurl string, opt ConnOptions) (*wsConn, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  opt.TLS,
		HandshakeTimeout: opt.NetworkTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, rawurl, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		ws:   ws,
		opt:  opt,
		msgs: make(chan []byte, 8),
		rerr: make(chan error, 1),
		done: make(chan struct{}),
	}
	c.last.SetNow()
	go c.readPump()
	return c, nil
}

// readPump exits on a read error or when done closes. The message send must
// not be unconditional: with a full msgs buffer a parked send would outlive
// Close and leak the goroutine.
func (c *wsConn) readPump() {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.rerr <- err
			return
		}
		select {
		case c.msgs <- b:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadSome(deadline time.Time) ([]byte, error) {
	if err, _ := c.err.Load(); err != nil {
		return nil, err
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case b := <-c.msgs:
		c.last.SetNow()
		c.stat.AddRecv(len(b))
		return b, nil
	case err := <-c.rerr:
		return nil, c.die(err)
	case <-timer.C:
		return nil, nil
	}
}

func (c *wsConn) Write(b []byte) error {
	if err, _ := c.err.Load(); err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return c.die(err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return c.die(err)
	}
	c.stat.AddSend(len(b))
	return nil
}

func (c *wsConn) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *wsConn) Closed() bool {
	_, set := c.err.Load()
	return set
}

func (c *wsConn) RemoteAddr() net.Addr         { return c.ws.RemoteAddr() }
func (c *wsConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *wsConn) Stat() *Stat                  { return &c.stat }

func (c *wsConn) String() string {
	return fmt.Sprintf("(remote=%s ws stat=%s)", addrString(c.RemoteAddr()), c.Stat())
}

func (c *wsConn) die(e error) error {
	if prev, set := c.err.StoreOnce(e); set {
		return prev
	}
	close(c.done)
	_ = c.ws.Close()
	c.opt.Log.Debugf("pinnet: close remote=%s e=%v", addrString(c.ws.RemoteAddr()), e)
	return e
}
