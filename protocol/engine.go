// Package protocol implements the device side of the relay link protocol:
// wire framing, the session state machine with heartbeat/ping timing, and
// dispatch of incoming commands to application handlers.
//
// The engine performs no I/O and starts no goroutines. A driving loop owns
// the byte stream and calls Process with the current time and whatever bytes
// arrived since the previous tick. All engine entry points must be called
// from one goroutine, or externally serialized; see pinnet.Loop.
package protocol

import (
	"runtime"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/pinlab/pinlink/log2"
)

// Version is advertised to the relay in the post-login info bundle.
const Version = "1.0.0"

const (
	DefaultHeartbeat = 50 * time.Second
	DefaultBuffIn    = 1024
)

type Options struct {
	Log   *log2.Log
	Token string // required

	TemplateID      string
	FirmwareVersion string
	Platform        string        // info bundle "dev" value, default GOOS-go
	Heartbeat       time.Duration // default DefaultHeartbeat
	BuffIn          int           // incoming body limit, default DefaultBuffIn

	// Send delivers encoded bytes to the transport. A Send error is treated
	// as a transport failure: the session disconnects.
	Send func([]byte) error
	// CloseTransport is called on every transition into StateDisconnected.
	// The driving loop closes the byte stream here.
	CloseTransport func()
	// OnResponse observes response frames other than the login response.
	OnResponse func(id uint16, status uint16)
}

// Engine is the session state machine. One engine manages exactly one
// logical session at a time.
type Engine struct {
	Registry

	opt      Options
	state    ConnState
	now      time.Time // last caller-supplied tick time
	nextID   uint16
	lastRecv time.Time
	lastSend time.Time
	lastPing time.Time
	rxbuf    []byte
}

func NewEngine(opt Options) (*Engine, error) {
	if opt.Token == "" {
		return nil, errors.NotValidf("pinlink: empty auth token")
	}
	if opt.Send == nil {
		return nil, errors.NotValidf("pinlink: Options.Send=nil")
	}
	if opt.Heartbeat == 0 {
		opt.Heartbeat = DefaultHeartbeat
	}
	if opt.BuffIn == 0 {
		opt.BuffIn = DefaultBuffIn
	}
	if opt.Platform == "" {
		opt.Platform = runtime.GOOS + "-go"
	}
	return &Engine{opt: opt}, nil
}

func (e *Engine) State() ConnState { return e.state }

// Heartbeat reports the effective keep-alive interval after defaults.
// Driving loops derive their tick interval from it.
func (e *Engine) Heartbeat() time.Duration { return e.opt.Heartbeat }

// Connect starts a new session attempt: resets id counter, timers and the
// receive buffer, then sends the login frame with id 1. No-op unless
// currently disconnected, an impatient caller cannot double the login.
func (e *Engine) Connect(now time.Time) {
	if e.state != StateDisconnected {
		return
	}
	e.now = now
	e.nextID = 1
	e.lastRecv = now
	e.lastSend = time.Time{}
	e.lastPing = time.Time{}
	e.rxbuf = nil
	e.state = StateConnecting
	_ = e.send(now, CmdDeviceLogin, e.opt.Token)
}

// Disconnect tears down the session: clears the receive buffer, emits the
// disconnected event and signals the transport to close.
func (e *Engine) Disconnect() {
	if e.state == StateDisconnected {
		return
	}
	e.rxbuf = nil
	e.state = StateDisconnected
	e.emit(Event{Kind: EventDisconnected})
	e.opt.Log.Infof("pinlink: disconnected")
	if e.opt.CloseTransport != nil {
		e.opt.CloseTransport()
	}
}

// Process is the single mutating entry point. The driving loop calls it at
// an interval safely under Heartbeat/10, passing newly received bytes (nil
// is fine). Timer checks run first, then data bytes are appended and
// complete frames dispatched strictly in arrival order.
func (e *Engine) Process(now time.Time, data []byte) {
	if e.state == StateDisconnected {
		return
	}
	e.now = now

	hb := e.opt.Heartbeat
	if now.Sub(e.lastRecv) > hb+hb/2 {
		e.opt.Log.Errorf("pinlink: heartbeat timeout")
		e.Disconnect()
		return
	}

	if e.state == StateConnected &&
		now.Sub(e.lastPing) > hb/10 &&
		(now.Sub(e.lastSend) > hb || now.Sub(e.lastRecv) > hb) {
		_ = e.send(now, CmdPing)
		e.lastPing = now
	}

	if len(data) > 0 {
		e.rxbuf = append(e.rxbuf, data...)
	}

	for e.state != StateDisconnected {
		f, n, err := DecodeOne(e.rxbuf, e.opt.BuffIn)
		if err != nil {
			e.opt.Log.Errorf("pinlink: receive: %v", err)
			e.Disconnect()
			return
		}
		if len(e.rxbuf) >= HeaderSize {
			// valid header seen, peer is alive even if body is incomplete
			e.lastRecv = now
		}
		if n == 0 {
			break
		}
		e.rxbuf = e.rxbuf[n:]
		if len(e.rxbuf) == 0 {
			e.rxbuf = nil
		}
		e.handle(now, &f)
	}
}

// Outbound operations. All are logged no-ops while disconnected. Send times
// are stamped with the engine's tick clock, not the wall clock, so the ping
// policy stays coherent when the caller supplies a synthetic time.

func (e *Engine) VirtualWrite(pin int, values ...string) error {
	args := append([]string{"vw", strconv.Itoa(pin)}, values...)
	return e.send(e.now, CmdHardware, args...)
}

func (e *Engine) SendInternal(key string, values ...string) error {
	return e.send(e.now, CmdInternal, append([]string{key}, values...)...)
}

func (e *Engine) SetProperty(pin int, property string, values ...string) error {
	args := append([]string{strconv.Itoa(pin), property}, values...)
	return e.send(e.now, CmdProperty, args...)
}

func (e *Engine) SyncVirtual(pins ...int) error {
	args := make([]string, 1, 1+len(pins))
	args[0] = "vr"
	for _, pin := range pins {
		args = append(args, strconv.Itoa(pin))
	}
	return e.send(e.now, CmdHardwareSync, args...)
}

func (e *Engine) LogEvent(values ...string) error {
	return e.send(e.now, CmdEventLog, values...)
}

func (e *Engine) send(now time.Time, cmd Command, args ...string) error {
	if e.state == StateDisconnected {
		e.opt.Log.Debugf("pinlink: skip send cmd=%s: disconnected", cmd)
		return nil
	}
	id := e.allocID()
	b, err := Marshal(cmd, id, args...)
	if err != nil {
		return errors.Annotatef(err, "send cmd=%s", cmd)
	}
	e.opt.Log.Debugf("pinlink: < cmd=%s id=%d args=%q", cmd, id, args)
	return e.write(now, b)
}

func (e *Engine) sendResponse(now time.Time, id uint16, status uint16) {
	e.opt.Log.Debugf("pinlink: < cmd=%s id=%d status=%d", CmdResponse, id, status)
	_ = e.write(now, MarshalResponse(id, status))
}

func (e *Engine) write(now time.Time, b []byte) error {
	e.lastSend = now
	if err := e.opt.Send(b); err != nil {
		e.opt.Log.Errorf("pinlink: write: %v", err)
		e.Disconnect()
		return errors.Annotate(err, "write")
	}
	return nil
}

// allocID hands out the next request id: 1..65535, wraps past 65535 back
// to 1, never 0. Responses echo the peer's id instead.
func (e *Engine) allocID() uint16 {
	id := e.nextID
	e.nextID++
	if e.nextID == 0 {
		e.nextID = 1
	}
	return id
}

func (e *Engine) handle(now time.Time, f *Frame) {
	e.opt.Log.Debugf("pinlink: > %s", f)
	switch f.Command {
	case CmdResponse:
		e.handleResponse(now, f)

	case CmdPing:
		e.sendResponse(now, f.ID, StatusSuccess)

	case CmdHardware, CmdBridge:
		if len(f.Args) == 0 || f.Args[0] != "vw" {
			return
		}
		if len(f.Args) < 2 {
			e.violation("vw without pin")
			return
		}
		pin, values := f.Args[1], f.Args[2:]
		e.emit(Event{Kind: EventVirtualWrite, Pin: pin, Values: values})
		e.emit(Event{Kind: EventVirtualWriteAny, Pin: pin, Values: values})

	case CmdInternal:
		if len(f.Args) == 0 {
			return
		}
		e.emit(Event{Kind: EventInternal, Key: f.Args[0], Values: f.Args[1:]})

	case CmdRedirect:
		if len(f.Args) < 2 {
			e.violation("redirect without host:port")
			return
		}
		port, err := strconv.Atoi(f.Args[1])
		if err != nil {
			e.violation("redirect port=" + f.Args[1])
			return
		}
		e.emit(Event{Kind: EventRedirect, Host: f.Args[0], Port: port})

	default:
		e.violation("unexpected command=" + f.Command.String())
	}
}

func (e *Engine) handleResponse(now time.Time, f *Frame) {
	if e.state == StateConnecting && f.ID == 1 {
		switch f.Status {
		case StatusSuccess:
			e.state = StateConnected
			latency := now.Sub(e.lastSend)
			_ = e.send(now, CmdInternal, e.infoBundle()...)
			e.emit(Event{Kind: EventConnected, Latency: latency})
			e.opt.Log.Infof("pinlink: connected latency=%s", latency)
		case StatusInvalidToken:
			e.opt.Log.Errorf("pinlink: invalid auth token")
			e.emit(Event{Kind: EventInvalidAuth})
			e.Disconnect()
		default:
			e.opt.Log.Errorf("pinlink: login failed status=%d", f.Status)
			e.Disconnect()
		}
		return
	}
	if e.opt.OnResponse != nil {
		e.opt.OnResponse(f.ID, f.Status)
	}
}

// infoBundle is sent once, immediately after a successful login.
func (e *Engine) infoBundle() []string {
	args := []string{
		"ver", Version,
		"h-beat", strconv.Itoa(int(e.opt.Heartbeat / time.Second)),
		"buff-in", strconv.Itoa(e.opt.BuffIn),
		"dev", e.opt.Platform,
	}
	if e.opt.TemplateID != "" {
		args = append(args, "tmpl", e.opt.TemplateID, "fw-type", e.opt.TemplateID)
	}
	if e.opt.FirmwareVersion != "" {
		args = append(args, "fw", e.opt.FirmwareVersion)
	}
	return args
}

func (e *Engine) violation(what string) {
	e.opt.Log.Errorf("pinlink: protocol violation: %s", what)
	e.Disconnect()
}

// emit invokes the registered handler, if any. A handler panic is contained
// here, it must not corrupt session state.
func (e *Engine) emit(ev Event) {
	h := e.get(ev.Name())
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.opt.Log.Errorf("pinlink: handler %s panic: %v", ev.Name(), r)
		}
	}()
	h(ev)
}
