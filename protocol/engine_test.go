package protocol

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinlab/pinlink/log2"
)

type engineFixture struct {
	t      testing.TB
	eng    *Engine
	sent   []Frame
	raw    [][]byte
	closed int
	events []Event
}

func newFixture(t testing.TB, modify func(*Options)) *engineFixture {
	fx := &engineFixture{t: t}
	opt := Options{
		Log:       log2.NewTest(t, log2.LDebug),
		Token:     "test-token",
		Heartbeat: 50 * time.Second,
		Send: func(b []byte) error {
			fx.raw = append(fx.raw, b)
			f, n, err := DecodeOne(b, 0)
			require.NoError(t, err)
			require.Equal(t, len(b), n)
			fx.sent = append(fx.sent, f)
			return nil
		},
		CloseTransport: func() { fx.closed++ },
	}
	if modify != nil {
		modify(&opt)
	}
	eng, err := NewEngine(opt)
	require.NoError(t, err)
	fx.eng = eng
	fx.record(NameConnected, NameDisconnected, NameInvalidAuth, NameRedirect, NameVirtualWriteAny)
	return fx
}

func (fx *engineFixture) record(names ...string) {
	for _, name := range names {
		fx.eng.On(name, func(ev Event) { fx.events = append(fx.events, ev) })
	}
}

// connect brings the engine to StateConnected and drops handshake traffic
// from the recorders.
func (fx *engineFixture) connect(now time.Time) {
	fx.eng.Connect(now)
	fx.eng.Process(now.Add(10*time.Millisecond), MarshalResponse(1, StatusSuccess))
	require.Equal(fx.t, StateConnected, fx.eng.State())
	fx.sent, fx.raw, fx.events = nil, nil, nil
}

func mustMarshal(t testing.TB, cmd Command, id uint16, args ...string) []byte {
	b, err := Marshal(cmd, id, args...)
	require.NoError(t, err)
	return b
}

func TestConnectSendsLogin(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.eng.Connect(now)
	assert.Equal(t, StateConnecting, fx.eng.State())
	require.Len(t, fx.sent, 1)
	assert.Equal(t, CmdDeviceLogin, fx.sent[0].Command)
	assert.Equal(t, uint16(1), fx.sent[0].ID)
	assert.Equal(t, []string{"test-token"}, fx.sent[0].Args)

	// second Connect while connecting must not send a second login
	fx.eng.Connect(now)
	assert.Len(t, fx.sent, 1)
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(opt *Options) {
		opt.TemplateID = "TMPL001"
		opt.FirmwareVersion = "0.3.1"
	})
	t0 := time.Now()
	fx.eng.Connect(t0)
	t1 := t0.Add(40 * time.Millisecond)
	fx.eng.Process(t1, MarshalResponse(1, StatusSuccess))

	assert.Equal(t, StateConnected, fx.eng.State())
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventConnected, fx.events[0].Kind)
	assert.Equal(t, 40*time.Millisecond, fx.events[0].Latency)

	// info bundle goes out before the connected event, with id 2
	require.Len(t, fx.sent, 2)
	info := fx.sent[1]
	assert.Equal(t, CmdInternal, info.Command)
	assert.Equal(t, uint16(2), info.ID)
	assert.Equal(t, []string{
		"ver", Version, "h-beat", "50", "buff-in", "1024", "dev", fx.eng.opt.Platform,
		"tmpl", "TMPL001", "fw-type", "TMPL001", "fw", "0.3.1",
	}, info.Args)
}

func TestLoginInvalidToken(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.eng.Connect(now)
	fx.eng.Process(now.Add(time.Millisecond), MarshalResponse(1, StatusInvalidToken))

	assert.Equal(t, StateDisconnected, fx.eng.State())
	require.Len(t, fx.events, 2)
	assert.Equal(t, EventInvalidAuth, fx.events[0].Kind)
	assert.Equal(t, EventDisconnected, fx.events[1].Kind)
	assert.Equal(t, 1, fx.closed)
}

func TestLoginGenericFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.eng.Connect(now)
	fx.eng.Process(now.Add(time.Millisecond), MarshalResponse(1, 5))

	assert.Equal(t, StateDisconnected, fx.eng.State())
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventDisconnected, fx.events[0].Kind)
	assert.Equal(t, 1, fx.closed)
}

func TestPingEcho(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdPing, 42))
	require.Len(t, fx.sent, 1)
	assert.Equal(t, MarshalResponse(42, StatusSuccess), fx.raw[0])
}

func TestVirtualWriteDispatchOrder(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)
	fx.record(NameVirtualWrite("5"))

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdHardware, 11, "vw", "5", "128"))
	require.Len(t, fx.events, 2)
	assert.Equal(t, EventVirtualWrite, fx.events[0].Kind)
	assert.Equal(t, "5", fx.events[0].Pin)
	assert.Equal(t, []string{"128"}, fx.events[0].Values)
	assert.Equal(t, EventVirtualWriteAny, fx.events[1].Kind)
	assert.Equal(t, "5", fx.events[1].Pin)
	assert.Equal(t, []string{"128"}, fx.events[1].Values)
}

func TestBridgeVirtualWrite(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdBridge, 12, "vw", "7", "1", "2"))
	require.Len(t, fx.events, 1) // no per-pin handler registered, only wildcard
	assert.Equal(t, EventVirtualWriteAny, fx.events[0].Kind)
	assert.Equal(t, "7", fx.events[0].Pin)
	assert.Equal(t, []string{"1", "2"}, fx.events[0].Values)
}

func TestInternalDispatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)
	fx.record(NameInternal("rtc"))

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdInternal, 13, "rtc", "1587"))
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventInternal, fx.events[0].Kind)
	assert.Equal(t, "rtc", fx.events[0].Key)
	assert.Equal(t, []string{"1587"}, fx.events[0].Values)
}

func TestRedirect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdRedirect, 14, "fra1.example.com", "8441"))
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventRedirect, fx.events[0].Kind)
	assert.Equal(t, "fra1.example.com", fx.events[0].Host)
	assert.Equal(t, 8441, fx.events[0].Port)
	assert.Equal(t, StateConnected, fx.eng.State())
}

func TestRedirectBadPort(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdRedirect, 14, "fra1.example.com", "eight"))
	assert.Equal(t, StateDisconnected, fx.eng.State())
	assert.Equal(t, 1, fx.closed)
}

func TestUnexpectedCommand(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdTweet, 15, "hello"))
	assert.Equal(t, StateDisconnected, fx.eng.State())
	assert.Equal(t, 1, fx.closed)
}

func TestZeroIDDisconnects(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), []byte{byte(CmdHardware), 0, 0, 0, 0})
	assert.Equal(t, StateDisconnected, fx.eng.State())
}

func TestOversizedBodyDisconnects(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	// declared body equals the limit, body bytes deliberately absent
	header := []byte{byte(CmdHardware), 0, 1, 0x04, 0x00}
	fx.eng.Process(now.Add(time.Second), header)
	assert.Equal(t, StateDisconnected, fx.eng.State())
}

func TestHeartbeatTimeout(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(74*time.Second), nil)
	assert.Equal(t, StateConnected, fx.eng.State())

	fx.eng.Process(now.Add(76*time.Second), nil)
	assert.Equal(t, StateDisconnected, fx.eng.State())
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventDisconnected, fx.events[0].Kind)
}

func TestPingPolicy(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	// link idle longer than heartbeat: expect a ping
	t1 := now.Add(51 * time.Second)
	fx.eng.Process(t1, nil)
	require.Len(t, fx.sent, 1)
	assert.Equal(t, CmdPing, fx.sent[0].Command)

	// one second later: idle again, but inside the 1/10 spacing, no storm
	fx.eng.Process(t1.Add(time.Second), nil)
	assert.Len(t, fx.sent, 1)
}

func TestOutboundOpsUseTickClock(t *testing.T) {
	t.Parallel()

	// synthetic clock well away from the wall clock: a send stamped with
	// time.Now() would look a day stale and provoke a bogus ping
	fx := newFixture(t, nil)
	base := time.Now().Add(24 * time.Hour)
	fx.connect(base)

	require.NoError(t, fx.eng.VirtualWrite(5, "1"))
	assert.Equal(t, base.Add(10*time.Millisecond), fx.eng.lastSend)

	fx.sent = nil
	fx.eng.Process(base.Add(5*time.Second), nil)
	assert.Len(t, fx.sent, 0)
}

func TestChunkedStreamInvariance(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)
	fx.record(NameVirtualWrite("3"))

	b := mustMarshal(t, CmdHardware, 21, "vw", "3", "77")
	fx.eng.Process(now.Add(time.Second), b[:4])
	assert.Len(t, fx.events, 0)
	fx.eng.Process(now.Add(2*time.Second), b[4:])
	require.Len(t, fx.events, 2)
	assert.Equal(t, EventVirtualWrite, fx.events[0].Kind)
	assert.Equal(t, EventVirtualWriteAny, fx.events[1].Kind)
}

func TestMultipleFramesOneTick(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	buf := append(mustMarshal(t, CmdHardware, 22, "vw", "1", "a"),
		mustMarshal(t, CmdHardware, 23, "vw", "2", "b")...)
	fx.eng.Process(now.Add(time.Second), buf)
	require.Len(t, fx.events, 2)
	assert.Equal(t, "1", fx.events[0].Pin)
	assert.Equal(t, "2", fx.events[1].Pin)
}

func TestOutboundOps(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.connect(time.Now())

	require.NoError(t, fx.eng.VirtualWrite(5, "128"))
	require.NoError(t, fx.eng.SendInternal("rtc", "sync"))
	require.NoError(t, fx.eng.SetProperty(5, "label", "Temp"))
	require.NoError(t, fx.eng.SyncVirtual(1, 2))
	require.NoError(t, fx.eng.LogEvent("overheat", "73C"))

	require.Len(t, fx.sent, 5)
	assert.Equal(t, CmdHardware, fx.sent[0].Command)
	assert.Equal(t, []string{"vw", "5", "128"}, fx.sent[0].Args)
	assert.Equal(t, CmdInternal, fx.sent[1].Command)
	assert.Equal(t, []string{"rtc", "sync"}, fx.sent[1].Args)
	assert.Equal(t, CmdProperty, fx.sent[2].Command)
	assert.Equal(t, []string{"5", "label", "Temp"}, fx.sent[2].Args)
	assert.Equal(t, CmdHardwareSync, fx.sent[3].Command)
	assert.Equal(t, []string{"vr", "1", "2"}, fx.sent[3].Args)
	assert.Equal(t, CmdEventLog, fx.sent[4].Command)
	assert.Equal(t, []string{"overheat", "73C"}, fx.sent[4].Args)

	// ids strictly increasing
	for i := 1; i < len(fx.sent); i++ {
		assert.Equal(t, fx.sent[i-1].ID+1, fx.sent[i].ID)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	require.NoError(t, fx.eng.VirtualWrite(5, "128"))
	assert.Len(t, fx.sent, 0)
}

func TestSendEncodingError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.connect(time.Now())
	err := fx.eng.LogEvent("bad\x00arg")
	require.Error(t, err)
	assert.Len(t, fx.sent, 0)
	// encoding failure is a programmer error, not a session fault
	assert.Equal(t, StateConnected, fx.eng.State())
}

func TestIDWrap(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.connect(time.Now())
	fx.eng.nextID = 65534

	require.NoError(t, fx.eng.LogEvent("a"))
	require.NoError(t, fx.eng.LogEvent("b"))
	require.NoError(t, fx.eng.LogEvent("c"))
	require.Len(t, fx.sent, 3)
	assert.Equal(t, uint16(65534), fx.sent[0].ID)
	assert.Equal(t, uint16(65535), fx.sent[1].ID)
	assert.Equal(t, uint16(1), fx.sent[2].ID)
}

func TestTransportWriteFailure(t *testing.T) {
	t.Parallel()

	writeErr := fmt.Errorf("broken pipe")
	fail := false
	fx := newFixture(t, nil)
	inner := fx.eng.opt.Send
	fx.eng.opt.Send = func(b []byte) error {
		if fail {
			return writeErr
		}
		return inner(b)
	}
	fx.connect(time.Now())

	fail = true
	err := fx.eng.LogEvent("x")
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, fx.eng.State())
	assert.Equal(t, 1, fx.closed)
}

func TestOnResponseHook(t *testing.T) {
	t.Parallel()

	var gotID, gotStatus uint16
	fx := newFixture(t, func(opt *Options) {
		opt.OnResponse = func(id, status uint16) { gotID, gotStatus = id, status }
	})
	now := time.Now()
	fx.connect(now)

	fx.eng.Process(now.Add(time.Second), MarshalResponse(17, StatusSuccess))
	assert.Equal(t, uint16(17), gotID)
	assert.Equal(t, StatusSuccess, gotStatus)
	assert.Equal(t, StateConnected, fx.eng.State())
}

func TestHandlerPanicContained(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)
	fx.eng.On(NameVirtualWrite("9"), func(Event) { panic("handler bug") })

	fx.eng.Process(now.Add(time.Second), mustMarshal(t, CmdHardware, 30, "vw", "9", "1"))
	assert.Equal(t, StateConnected, fx.eng.State())

	// wildcard still fired after the per-pin handler panicked
	require.Len(t, fx.events, 1)
	assert.Equal(t, EventVirtualWriteAny, fx.events[0].Kind)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	now := time.Now()
	fx.connect(now)

	fx.eng.Disconnect()
	assert.Equal(t, StateDisconnected, fx.eng.State())

	fx.sent = nil
	fx.eng.Connect(now.Add(time.Second))
	assert.Equal(t, StateConnecting, fx.eng.State())
	require.Len(t, fx.sent, 1)
	assert.Equal(t, CmdDeviceLogin, fx.sent[0].Command)
	assert.Equal(t, uint16(1), fx.sent[0].ID, "id counter restarts per session")
}
