package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/voucher-worker/internal/models"
)

func TestUnavailableError(t *testing.T) {
	cause := errors.New("connection reset")
	err := Unavailable("list", cause)

	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "source list: connection reset", err.Error())

	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "list", ue.Op)
}

func TestUnavailable_KeepsClassification(t *testing.T) {
	assert.Nil(t, Unavailable("x", nil))
	assert.Same(t, ErrTokenExpired, Unavailable("history", ErrTokenExpired))

	inner := &UnavailableError{Op: "get", Err: errors.New("boom")}
	assert.Same(t, inner, Unavailable("fetch", inner).(*UnavailableError))
}

func TestDelta(t *testing.T) {
	msgs := []models.RawMessage{{ID: "a"}, {ID: "b"}}
	consumed := ""
	d := NewDelta(Slice(msgs), func() string { return "T1" }, func() string { return consumed })

	assert.Equal(t, "", d.Position())
	for m, err := range d.Messages {
		require.NoError(t, err)
		consumed = m.ID
	}
	assert.Equal(t, "T1", d.Token())
	assert.Equal(t, "b", d.Position())

	empty := &Delta{}
	assert.Equal(t, "", empty.Token())
	assert.Equal(t, "", empty.Position())
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	var ids []string
	var last error
	for m, err := range Fail([]models.RawMessage{{ID: "a"}}, boom) {
		if err != nil {
			last = err
			break
		}
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a"}, ids)
	assert.ErrorIs(t, last, boom)
}
