package backend

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCreateLoadDelete(t *testing.T) {
	m := NewMemory()
	cfg := storeMachine()

	h, err := m.Create("owner", "vm1", cfg)
	require.NoError(t, err)
	defer h.Close()

	_, err = m.Create("owner", "vm1", cfg)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	loaded, loadedCfg, err := m.Load("owner", "vm1")
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, cfg, loadedCfg)

	require.NoError(t, m.Delete("owner", "vm1"))
	_, _, err = m.Load("owner", "vm1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete("owner", "vm1"), ErrNotFound)
}

func TestMemoryHandleEvents(t *testing.T) {
	m := NewMemory()
	h, err := m.Create("owner", "vm1", storeMachine())
	require.NoError(t, err)
	mh := h.(*MemoryHandle)

	require.NoError(t, mh.Run())
	select {
	case ev := <-mh.Events():
		assert.Equal(t, EventStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no started event")
	}

	require.NoError(t, mh.Stop())
	select {
	case ev := <-mh.Events():
		assert.Equal(t, EventStopped, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no stopped event")
	}

	require.NoError(t, mh.Close())
	_, open := <-mh.Events()
	assert.False(t, open, "events channel closes with the handle")
}

func TestMemoryHandleInput(t *testing.T) {
	m := NewMemory()
	h, err := m.Create("owner", "vm1", storeMachine())
	require.NoError(t, err)
	mh := h.(*MemoryHandle)
	defer mh.Close()

	assert.False(t, mh.SendInput(InputEvent{Kind: InputKey}), "input rejected before run")

	require.NoError(t, mh.Run())
	assert.True(t, mh.SendInput(InputEvent{Kind: InputKey, Code: 28, Down: true}))
	require.Len(t, mh.Inputs(), 1)
	assert.Equal(t, 28, mh.Inputs()[0].Code)
}

func TestMemoryVsock(t *testing.T) {
	m := NewMemory()
	m.HandleVsock(3580, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})

	h, err := m.Create("owner", "vm1", storeMachine())
	require.NoError(t, err)
	defer h.Close()

	conn, err := h.ConnectVsock(3580)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))

	_, err = h.ConnectVsock(4000)
	assert.Error(t, err, "unregistered port refuses connections")
}
