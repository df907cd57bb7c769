package pinnet

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/temoto/atomic_clock"

	"github.com/pinlab/pinlink/helpers"
)

// streamConn adapts a net.Conn (plain TCP or TLS) to poll-style reads:
// each ReadSome blocks until data or the deadline, deadline expiry is not
// an error.
type streamConn struct {
	err  helpers.AtomicError
	last atomic_clock.Clock
	net  net.Conn
	opt  ConnOptions
	stat Stat
	rbuf []byte
}

var _ Conn = &streamConn{}

func newStreamConn(netConn net.Conn, opt ConnOptions) *streamConn {
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	c := &streamConn{
		net:  netConn,
		opt:  opt,
		rbuf: make([]byte, opt.ReadLimit),
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetLinger(0)
	}
	c.last.SetNow()
	return c
}

func (c *streamConn) ReadSome(deadline time.Time) ([]byte, error) {
	if err, _ := c.err.Load(); err != nil {
		return nil, err
	}
	if err := c.net.SetReadDeadline(deadline); err != nil {
		return nil, c.die(err)
	}
	n, err := c.net.Read(c.rbuf)
	if n > 0 {
		c.last.SetNow()
		c.stat.AddRecv(n)
		data := make([]byte, n)
		copy(data, c.rbuf[:n])
		return data, nil
	}
	if err != nil {
		if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
			return nil, nil
		}
		return nil, c.die(err)
	}
	return nil, nil
}

func (c *streamConn) Write(b []byte) error {
	if err, _ := c.err.Load(); err != nil {
		return err
	}
	if err := c.net.SetWriteDeadline(time.Now().Add(c.opt.NetworkTimeout)); err != nil {
		return c.die(err)
	}
	if err := helpers.WriteAll(c.net, b); err != nil {
		return c.die(err)
	}
	c.stat.AddSend(len(b))
	return nil
}

func (c *streamConn) Close() error {
	_ = c.die(ErrClosing)
	return nil
}

func (c *streamConn) Closed() bool {
	_, set := c.err.Load()
	return set
}

func (c *streamConn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *streamConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *streamConn) Stat() *Stat                  { return &c.stat }

func (c *streamConn) String() string {
	return fmt.Sprintf("(remote=%s stat=%s)", addrString(c.RemoteAddr()), c.Stat())
}

func (c *streamConn) die(e error) error {
	if prev, set := c.err.StoreOnce(e); set {
		return prev
	}
	_ = c.net.Close()

	estr := e.Error()
	if neterr, ok := e.(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	}
	c.opt.Log.Debugf("pinnet: close remote=%s e=%s", addrString(c.net.RemoteAddr()), estr)
	return e
}
