package vmm

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarkvm/vmlauncher/internal/backend"
)

// newTestSession builds a session wired to a memory-backend handle the test
// can emit events through.
func newTestSession(t *testing.T, mem *backend.Memory) (*Session, *backend.MemoryHandle) {
	t.Helper()
	h, err := mem.Create(t.Name(), "vm1", testMachine())
	require.NoError(t, err)
	mh := h.(*backend.MemoryHandle)

	s := newSession(t.Name(), "vm1", testMachine(), mh, zap.NewNop())
	t.Cleanup(s.release)
	return s, mh
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		5*time.Second, time.Millisecond, "expected state %s", want)
}

// notificationLog records callback invocations in delivery order.
type notificationLog struct {
	mu      sync.Mutex
	entries []string
	stopped chan int
	failed  chan string
}

func newNotificationLog() *notificationLog {
	return &notificationLog{
		stopped: make(chan int, 1),
		failed:  make(chan string, 1),
	}
}

func (n *notificationLog) record(entry string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, entry)
}

func (n *notificationLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.entries))
	copy(out, n.entries)
	return out
}

func (n *notificationLog) OnPayloadStarted(s *Session) { n.record("payload_started") }
func (n *notificationLog) OnPayloadReady(s *Session)   { n.record("payload_ready") }
func (n *notificationLog) OnPayloadFinished(s *Session, exitCode int) {
	n.record("payload_finished")
}

func (n *notificationLog) OnError(s *Session, code int, message string) {
	n.record("error")
	n.failed <- message
}

func (n *notificationLog) OnStopped(s *Session, reason int) {
	n.record("stopped")
	n.stopped <- reason
}

func TestSessionRunLifecycle(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	assert.Equal(t, StateCreated, s.State())
	require.NoError(t, s.Run())
	// The memory backend reports the running transition immediately.
	waitForState(t, s, StateRunning)
}

func TestSessionSuspendResume(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	t.Run("suspend before running is invalid", func(t *testing.T) {
		assert.ErrorIs(t, s.Suspend(), ErrInvalidState)
	})

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)

	t.Run("resume while running is invalid", func(t *testing.T) {
		assert.ErrorIs(t, s.Resume(), ErrInvalidState)
	})

	require.NoError(t, s.Suspend())
	assert.Equal(t, StateSuspended, s.State())

	t.Run("suspend twice is invalid", func(t *testing.T) {
		assert.ErrorIs(t, s.Suspend(), ErrInvalidState)
	})

	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.State())
}

func TestSessionStoppedIsTerminal(t *testing.T) {
	mem := backend.NewMemory()
	s, h := newTestSession(t, mem)

	cb := newNotificationLog()
	s.SetCallback(cb)

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)
	assert.True(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputKey, Code: 30, Down: true}))

	h.Emit(backend.Event{Kind: backend.EventStopped, Reason: 0})

	select {
	case reason := <-cb.stopped:
		assert.Equal(t, 0, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("OnStopped not delivered")
	}
	assert.Equal(t, StateStopped, s.State())

	// A stopped session accepts no further input events.
	assert.False(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputKey, Code: 30}))
	assert.ErrorIs(t, s.Suspend(), ErrInvalidState)
}

func TestSessionErrorIsTerminalAndDistinguishable(t *testing.T) {
	mem := backend.NewMemory()
	s, h := newTestSession(t, mem)

	cb := newNotificationLog()
	s.SetCallback(cb)

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)

	h.Emit(backend.Event{Kind: backend.EventError, Code: 9, Message: "crosvm died"})

	select {
	case msg := <-cb.failed:
		assert.Equal(t, "crosvm died", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("OnError not delivered")
	}
	assert.Equal(t, StateError, s.State())
	assert.False(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputKey}))
}

func TestSessionCallbacksDeliveredInEmissionOrder(t *testing.T) {
	mem := backend.NewMemory()
	s, h := newTestSession(t, mem)

	cb := newNotificationLog()
	s.SetCallback(cb)

	h.Emit(backend.Event{Kind: backend.EventPayloadStarted})
	h.Emit(backend.Event{Kind: backend.EventPayloadReady})
	h.Emit(backend.Event{Kind: backend.EventPayloadFinished, ExitCode: 0})
	h.Emit(backend.Event{Kind: backend.EventStopped, Reason: 2})

	select {
	case reason := <-cb.stopped:
		assert.Equal(t, 2, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("OnStopped not delivered")
	}
	assert.Equal(t,
		[]string{"payload_started", "payload_ready", "payload_finished", "stopped"},
		cb.all())
}

func TestSessionToleratesAbsentPayloadEvents(t *testing.T) {
	// Custom-image VMs never emit payload events; stopping without any is a
	// normal completion.
	mem := backend.NewMemory()
	s, h := newTestSession(t, mem)

	cb := newNotificationLog()
	s.SetCallback(cb)

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)
	h.Emit(backend.Event{Kind: backend.EventStopped, Reason: 0})

	select {
	case <-cb.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("OnStopped not delivered")
	}
	assert.Equal(t, []string{"stopped"}, cb.all())
}

func TestSessionRunFromInvalidStates(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)

	assert.ErrorIs(t, s.Run(), ErrInvalidState)

	require.NoError(t, s.Suspend())
	assert.ErrorIs(t, s.Run(), ErrInvalidState)
}

func TestSessionSetConfig(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	t.Run("mutable fields replace the snapshot", func(t *testing.T) {
		next := testMachine()
		next.CPUs = 8
		require.NoError(t, s.SetConfig(next))
		assert.Equal(t, 8, s.Config().CPUs)
	})

	t.Run("immutable fields are rejected, snapshot intact", func(t *testing.T) {
		next := testMachine()
		next.Kernel = "/images/other-kernel"
		err := s.SetConfig(next)
		require.ErrorIs(t, err, ErrIncompatibleConfig)
		assert.Equal(t, "/images/kernel", s.Config().Kernel)
		assert.Equal(t, 8, s.Config().CPUs)
	})
}

func TestSessionSendInputWithoutRunning(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	// Created but not running: the backend has no live instance to take it.
	assert.False(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputKey, Code: 28, Down: true}))
}

func TestSessionLidEventsSuspendAndResume(t *testing.T) {
	mem := backend.NewMemory()
	s, _ := newTestSession(t, mem)

	require.NoError(t, s.Run())
	waitForState(t, s, StateRunning)

	// Closing the lid suspends the VM, opening it resumes.
	assert.True(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputLid, Down: true}))
	assert.Equal(t, StateSuspended, s.State())

	assert.True(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputLid, Down: false}))
	assert.Equal(t, StateRunning, s.State())

	// Opening the lid of an already running VM has nothing to resume.
	assert.False(t, s.SendInputEvent(backend.InputEvent{Kind: backend.InputLid, Down: false}))

	// A closed lid on a session that never ran cannot suspend anything.
	fresh, _ := newTestSession(t, backend.NewMemory())
	assert.False(t, fresh.SendInputEvent(backend.InputEvent{Kind: backend.InputLid, Down: true}))
}

func TestSessionConnectChannel(t *testing.T) {
	mem := backend.NewMemory()
	mem.HandleVsock(3580, func(conn net.Conn) {
		defer conn.Close()
		io.Copy(conn, conn)
	})
	s, _ := newTestSession(t, mem)

	conn, err := s.ConnectChannel(3580)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	t.Run("each call yields an independent connection", func(t *testing.T) {
		other, err := s.ConnectChannel(3580)
		require.NoError(t, err)
		defer other.Close()
		assert.NotEqual(t, conn, other)
	})

	t.Run("unserved port fails", func(t *testing.T) {
		_, err := s.ConnectChannel(9999)
		assert.Error(t, err)
	})
}
