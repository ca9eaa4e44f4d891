package fault

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type src string

func (s src) String() string { return string(s) }

func TestContainRecoversPanic(t *testing.T) {
	l := Discard()
	err := Contain(l, "count", src("container@1,0,1"), func() error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	require.Error(t, err)

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Panicked)
	assert.Equal(t, "container@1,0,1", fe.Source)
	assert.Equal(t, uint64(1), l.Total())
}

func TestContainWrapsReturnedError(t *testing.T) {
	sentinel := errors.New("unloaded")
	err := Contain(Discard(), "remove", src("drone#3"), func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestDoReturnsValue(t *testing.T) {
	v, ok := Do(Discard(), "slots", src("x"), func() (int, error) { return 7, nil })
	require.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = Do(Discard(), "slots", src("x"), func() (int, error) { panic("gone") })
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestLoggerThrottles(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.New(slog.NewTextHandler(&buf, nil)), time.Hour, 2)
	for i := 0; i < 10; i++ {
		l.Fault(errors.New("x"))
	}
	assert.Equal(t, uint64(10), l.Total())
	assert.Equal(t, 2, strings.Count(buf.String(), "fault contained"))
}
