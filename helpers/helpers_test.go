package helpers

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shortWriter struct {
	w io.Writer
	n int
}

func (sw shortWriter) Write(b []byte) (int, error) {
	if len(b) > sw.n {
		b = b[:sw.n]
	}
	return sw.w.Write(b)
}

func TestWriteAll(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	input := []byte("heartbeat ping pong")
	require.NoError(t, WriteAll(shortWriter{buf, 3}, input))
	assert.Equal(t, input, buf.Bytes())
}

func TestAtomicErrorStoreOnce(t *testing.T) {
	t.Parallel()

	a := new(AtomicError)
	_, set := a.Load()
	assert.False(t, set)

	e1 := fmt.Errorf("first")
	prev, wasSet := a.StoreOnce(e1)
	assert.Nil(t, prev)
	assert.False(t, wasSet)

	prev, wasSet = a.StoreOnce(fmt.Errorf("second"))
	assert.Equal(t, e1, prev)
	assert.True(t, wasSet)

	cur, set := a.Load()
	assert.Equal(t, e1, cur)
	assert.True(t, set)
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	err := FoldErrors([]error{fmt.Errorf("a"), nil, fmt.Errorf("b")})
	require.Error(t, err)
	assert.Equal(t, "a\nb", err.Error())
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond, K: 2}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	b.Failure()
	d1 := b.DelayBefore()
	assert.True(t, d1 > 0 && d1 <= 100*time.Millisecond, "d1=%s", d1)

	b.Failure()
	b.Failure()
	b.Failure()
	d2 := b.DelayBefore()
	assert.True(t, d2 <= 400*time.Millisecond, "d2=%s", d2)

	b.Reset()
	b.Failure()
	d3 := b.DelayBefore()
	assert.True(t, d3 <= 200*time.Millisecond, "d3=%s", d3)
}
