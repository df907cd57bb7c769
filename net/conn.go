// Package pinnet owns the byte stream under a protocol.Engine: dialing
// (TCP, TLS, websocket), poll-style reads, and the driving loop with
// reconnect backoff. The engine never sees any of this, it only gets bytes
// and timestamps.
package pinnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pinlab/pinlink/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReadLimit      = 1024
)

var ErrClosing = fmt.Errorf("closing")

// Conn is one open byte stream to the relay.
// ReadSome returns (nil, nil) when no data arrived before the deadline,
// which is how the driving loop paces its ticks.
type Conn interface {
	ReadSome(deadline time.Time) ([]byte, error)
	Write(b []byte) error
	Close() error
	Closed() bool
	RemoteAddr() net.Addr
	SinceLastRecv() time.Duration
	Stat() *Stat
	String() string
}

type ConnOptions struct {
	Log *log2.Log
	TLS *tls.Config

	NetworkTimeout time.Duration
	ReadLimit      int
}

// Stat counts transferred bytes per connection.
type Stat struct {
	RecvBytes uint64 // atomic
	SendBytes uint64 // atomic
}

func (s *Stat) AddRecv(n int) { atomic.AddUint64(&s.RecvBytes, uint64(n)) }
func (s *Stat) AddSend(n int) { atomic.AddUint64(&s.SendBytes, uint64(n)) }
func (s *Stat) String() string {
	return fmt.Sprintf("(recv=%d send=%d)", atomic.LoadUint64(&s.RecvBytes), atomic.LoadUint64(&s.SendBytes))
}

// DialContext opens a Conn to url. Schemes: tcp:// tls:// ws:// wss://
// For tls:// without an explicit ServerName the URL host is used, so
// certificate verification matches the address being dialed.
func DialContext(ctx context.Context, dialer net.Dialer, rawurl string, opt ConnOptions) (Conn, error) {
	if dialer.Timeout == 0 {
		dialer.Timeout = opt.NetworkTimeout
	}
	if deadline, _ := ctx.Deadline(); !deadline.IsZero() {
		if timeout := time.Until(deadline); timeout > 0 && timeout < dialer.Timeout {
			dialer.Timeout = timeout
		} else if timeout < 0 {
			return nil, context.Canceled
		}
	}

	scheme, hostport, err := parseURI(rawurl)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "tcp":
		conn, err := dialer.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, err
		}
		return newStreamConn(conn, opt), nil

	case "tls":
		config := opt.TLS
		if config == nil {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config = config.Clone()
			if config.ServerName, _, err = net.SplitHostPort(hostport); err != nil {
				return nil, err
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", hostport)
		if err != nil {
			return nil, err
		}
		return newStreamConn(tls.Client(conn, config), opt), nil

	case "ws", "wss":
		return dialWs(ctx, rawurl, opt)

	default:
		return nil, fmt.Errorf("unknown protocol=%s", scheme)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func parseURI(s string) (scheme, hostport string, err error) {
	u, err := url.ParseRequestURI(s)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("URL=%s must be scheme://host:port", s)
	}
	return u.Scheme, u.Host, nil
}
