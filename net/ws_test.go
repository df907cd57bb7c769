package pinnet

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinlab/pinlink/log2"
)

// newWsRelay serves one websocket upgrade and drives it through fun.
func newWsRelay(t testing.TB, fun func(ws *websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fun(ws)
	}))
}

func dialTestWs(t testing.TB, server *httptest.Server) Conn {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialContext(ctx, net.Dialer{}, url, ConnOptions{Log: log2.NewTest(t, log2.LDebug)})
	require.NoError(t, err)
	return c
}

func TestWsReadWrite(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	server := newWsRelay(t, func(ws *websocket.Conn) {
		if err := ws.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
			return
		}
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		got <- b
	})
	defer server.Close()

	c := dialTestWs(t, server)
	defer c.Close()

	data, err := c.ReadSome(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), data)

	require.NoError(t, c.Write([]byte("pong")))
	select {
	case b := <-got:
		assert.Equal(t, []byte("pong"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relay read")
	}

	assert.Equal(t, uint64(4), c.Stat().RecvBytes)
	assert.Equal(t, uint64(4), c.Stat().SendBytes)
}

func TestWsReadSomeTimeout(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	server := newWsRelay(t, func(ws *websocket.Conn) { <-hold })
	defer server.Close()
	defer close(hold)

	c := dialTestWs(t, server)
	defer c.Close()

	data, err := c.ReadSome(time.Now().Add(30 * time.Millisecond))
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, c.Closed())
}

// Deliberately not parallel: asserts on the process goroutine dump.
func TestWsCloseStopsPump(t *testing.T) {
	hold := make(chan struct{})
	server := newWsRelay(t, func(ws *websocket.Conn) {
		// burst past the pump's channel buffer so it parks on the send
		for i := 0; i < 12; i++ {
			if err := ws.WriteMessage(websocket.BinaryMessage, []byte{byte(i)}); err != nil {
				return
			}
		}
		<-hold
	})
	defer server.Close()
	defer close(hold)

	c := dialTestWs(t, server)
	_, err := c.ReadSome(time.Now().Add(2 * time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool { return !wsPumpRunning() }, 2*time.Second, 10*time.Millisecond,
		"read pump still running after Close")
}

func wsPumpRunning() bool {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return bytes.Contains(buf[:n], []byte("wsConn).readPump"))
}
