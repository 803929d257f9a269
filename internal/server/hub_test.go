package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_RegisterAndSend(t *testing.T) {
	hub := NewHub(2)

	ch, err := hub.Register("a")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Count())

	_, err = hub.Register("a")
	assert.ErrorIs(t, err, ErrDuplicateClient)

	payload := []byte{0xFF, 0xD8, 0x01}
	require.NoError(t, hub.SendFrame("a", payload))
	payload[2] = 0x02 // 呼び出し側のバッファを再利用しても影響しない

	msg := <-ch
	assert.False(t, msg.Text)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, msg.Data)

	require.NoError(t, hub.SendText("a", "Connected"))
	msg = <-ch
	assert.True(t, msg.Text)
	assert.Equal(t, "Connected", string(msg.Data))
}

func TestHub_QueueFull(t *testing.T) {
	hub := NewHub(1)
	_, err := hub.Register("a")
	require.NoError(t, err)

	require.NoError(t, hub.SendFrame("a", []byte{1}))
	assert.ErrorIs(t, hub.SendFrame("a", []byte{2}), ErrQueueFull)
}

func TestHub_UnknownClient(t *testing.T) {
	hub := NewHub(1)
	assert.ErrorIs(t, hub.SendFrame("missing", []byte{1}), ErrUnknownClient)
	assert.ErrorIs(t, hub.SendText("missing", "x"), ErrUnknownClient)

	// 未登録の解除は何もしない
	hub.Unregister("missing")
	assert.Equal(t, 0, hub.Count())
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(1)
	ch, err := hub.Register("a")
	require.NoError(t, err)

	hub.Unregister("a")
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, hub.SendFrame("a", []byte{1}), ErrUnknownClient)
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(1)
	a, err := hub.Register("a")
	require.NoError(t, err)
	b, err := hub.Register("b")
	require.NoError(t, err)

	hub.CloseAll()
	assert.Equal(t, 0, hub.Count())

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)
}
