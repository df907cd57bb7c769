package pinnet

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/pinlab/pinlink/helpers"
	"github.com/pinlab/pinlink/log2"
	"github.com/pinlab/pinlink/protocol"
)

const DefaultRetryDelay = 5 * time.Second

type LoopOptions struct {
	Log *log2.Log
	// URL of the relay: tcp:// tls:// ws:// wss://
	URL string
	// Engine carries token, heartbeat and the rest of the protocol options.
	// Send and CloseTransport are owned by the loop and overwritten.
	Engine protocol.Options

	TLS            *tls.Config
	NetworkTimeout time.Duration
	RetryDelay     time.Duration // reconnect backoff minimum
	// MaxRetries limits consecutive failed dial attempts, 0 = retry forever.
	// After the limit OnGiveUp runs and the loop exits; a host that wants
	// the original reboot-on-failure policy hooks it here.
	MaxRetries int
	OnGiveUp   func()
}

// Loop is the driving loop: it owns the transport and the tick cadence,
// and serializes every engine entry point behind one mutex so the engine
// itself can stay lock-free per its single-caller contract.
type Loop struct {
	mu      sync.Mutex // serializes engine entry points, guards conn and url
	alive   *alive.Alive
	opt     LoopOptions
	eng     *protocol.Engine
	conn    Conn
	url     string
	backoff helpers.Backoff
	poll    time.Duration
}

func NewLoop(opt LoopOptions) (*Loop, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if _, _, err := parseURI(opt.URL); err != nil {
		return nil, errors.Annotatef(err, "config error relay URL=%s", opt.URL)
	}
	l := &Loop{
		alive: alive.NewAlive(),
		opt:   opt,
		url:   opt.URL,
	}
	if l.opt.Engine.Log == nil {
		l.opt.Engine.Log = opt.Log
	}
	l.opt.Engine.Send = l.write
	l.opt.Engine.CloseTransport = l.closeConn
	eng, err := protocol.NewEngine(l.opt.Engine)
	if err != nil {
		return nil, err
	}
	l.eng = eng
	// Process must run at least every heartbeat/10 for the ping cadence
	// to hold, half that again leaves slack for slow reads
	l.poll = eng.Heartbeat() / 20
	l.backoff = helpers.Backoff{Min: l.opt.RetryDelay, Max: 10 * l.opt.RetryDelay, K: 2}
	eng.On(protocol.NameRedirect, l.onRedirect)
	return l, nil
}

func (l *Loop) Start() {
	if !l.alive.Add(1) {
		return
	}
	go l.run()
}

func (l *Loop) Stop() {
	l.alive.Stop()
	helpers.WithLock(&l.mu, func() { l.eng.Disconnect() })
	l.alive.Wait()
}

// Engine exposes the underlying engine for use inside event handlers.
// Handlers run on the loop goroutine with the loop lock already held, so
// they must send through this, not through the locking Loop wrappers.
func (l *Loop) Engine() *protocol.Engine { return l.eng }

// On registers an application handler; see protocol.Registry.
// The loop itself handles NameRedirect, re-registering it disables
// automatic redirect following.
func (l *Loop) On(name string, h protocol.Handler) {
	helpers.WithLock(&l.mu, func() { l.eng.On(name, h) })
}

func (l *Loop) State() (s protocol.ConnState) {
	helpers.WithLock(&l.mu, func() { s = l.eng.State() })
	return s
}

func (l *Loop) VirtualWrite(pin int, values ...string) (err error) {
	helpers.WithLock(&l.mu, func() { err = l.eng.VirtualWrite(pin, values...) })
	return err
}

func (l *Loop) SendInternal(key string, values ...string) (err error) {
	helpers.WithLock(&l.mu, func() { err = l.eng.SendInternal(key, values...) })
	return err
}

func (l *Loop) SetProperty(pin int, property string, values ...string) (err error) {
	helpers.WithLock(&l.mu, func() { err = l.eng.SetProperty(pin, property, values...) })
	return err
}

func (l *Loop) SyncVirtual(pins ...int) (err error) {
	helpers.WithLock(&l.mu, func() { err = l.eng.SyncVirtual(pins...) })
	return err
}

func (l *Loop) LogEvent(values ...string) (err error) {
	helpers.WithLock(&l.mu, func() { err = l.eng.LogEvent(values...) })
	return err
}

func (l *Loop) run() {
	defer l.alive.Done()
	failures := 0
	for l.alive.IsRunning() {
		l.mu.Lock()
		state := l.eng.State()
		conn := l.conn
		l.mu.Unlock()

		if state == protocol.StateDisconnected {
			if l.sleep(l.backoff.DelayBefore()) != nil {
				return
			}
			if !l.alive.IsRunning() {
				return
			}
			newConn, err := l.dial()
			if err != nil {
				failures++
				l.backoff.Failure()
				l.opt.Log.Errorf("pinnet: connect url=%s err=%v", l.currentURL(), err)
				if l.opt.MaxRetries > 0 && failures >= l.opt.MaxRetries {
					l.opt.Log.Errorf("pinnet: giving up after %d attempts", failures)
					if l.opt.OnGiveUp != nil {
						l.opt.OnGiveUp()
					}
					return
				}
				continue
			}
			failures = 0
			l.backoff.Reset()
			helpers.WithLock(&l.mu, func() {
				l.conn = newConn
				l.eng.Connect(time.Now())
			})
			continue
		}

		if conn == nil {
			helpers.WithLock(&l.mu, func() { l.eng.Disconnect() })
			continue
		}

		// read outside the lock: ReadSome blocks up to one poll interval
		data, err := conn.ReadSome(time.Now().Add(l.poll))
		now := time.Now()
		l.mu.Lock()
		if err != nil {
			l.opt.Log.Debugf("pinnet: read err=%v", err)
			l.eng.Disconnect()
		} else {
			l.eng.Process(now, data)
		}
		l.mu.Unlock()
	}
}

func (l *Loop) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opt.NetworkTimeout)
	defer cancel()
	copt := ConnOptions{
		Log:            l.opt.Log,
		NetworkTimeout: l.opt.NetworkTimeout,
		ReadLimit:      l.opt.Engine.BuffIn,
	}
	copt.TLS = l.opt.TLS
	url := l.currentURL()
	l.opt.Log.Debugf("pinnet: dialing %s", url)
	return DialContext(ctx, net.Dialer{Timeout: l.opt.NetworkTimeout}, url, copt)
}

func (l *Loop) currentURL() (u string) {
	helpers.WithLock(&l.mu, func() { u = l.url })
	return u
}

// write and closeConn are installed into the engine Options, the engine
// only ever calls them while the loop holds l.mu.
func (l *Loop) write(b []byte) error {
	if l.conn == nil {
		return fmt.Errorf("no transport")
	}
	return l.conn.Write(b)
}

func (l *Loop) closeConn() {
	if l.conn == nil {
		return
	}
	l.opt.Log.Infof("pinnet: closing %s", l.conn)
	_ = l.conn.Close()
	l.conn = nil
}

// onRedirect follows a relay redirect: same scheme, new host and port,
// reconnect happens on the next loop iteration.
func (l *Loop) onRedirect(ev protocol.Event) {
	scheme, _, err := parseURI(l.url)
	if err != nil || scheme == "" {
		scheme = "tcp"
	}
	l.url = scheme + "://" + net.JoinHostPort(ev.Host, strconv.Itoa(ev.Port))
	l.opt.Log.Infof("pinnet: redirect to %s", l.url)
	l.eng.Disconnect()
}

func (l *Loop) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-l.alive.StopChan():
		return ErrClosing
	}
}
