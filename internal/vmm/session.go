// Package vmm owns the host-side view of launched virtual machines: the
// per-owner session registry and the lifecycle state machine of each session.
package vmm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quarkvm/vmlauncher/internal/backend"
	"github.com/quarkvm/vmlauncher/internal/bridge"
	"github.com/quarkvm/vmlauncher/internal/config"
)

// State is the lifecycle state of a session. Stopped and Error are terminal
// for the session instance; running the VM again requires a new session.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateSuspended
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback receives lifecycle notifications for one session. Callbacks are
// invoked from a single dispatcher goroutine, so no two callbacks for the
// same session ever run concurrently and delivery follows emission order.
//
// The payload notifications are emitted only by payload-carrying VM flavors;
// custom-image VMs never emit them and their absence means nothing.
type Callback interface {
	OnPayloadStarted(s *Session)
	OnPayloadReady(s *Session)
	OnPayloadFinished(s *Session, exitCode int)
	OnError(s *Session, code int, message string)
	OnStopped(s *Session, reason int)
}

// Session is one named, host-managed VM instance: its identity, current
// configuration snapshot, backend handle and lifecycle state. The handle is
// exclusively owned by the session; all interaction goes through its
// methods.
type Session struct {
	name   string
	owner  string
	logger *zap.Logger

	mu       sync.Mutex
	cfg      *config.Machine
	handle   backend.Handle
	state    State
	callback Callback
	released bool

	dispatchDone chan struct{}
}

func newSession(owner, name string, cfg *config.Machine, handle backend.Handle, logger *zap.Logger) *Session {
	s := &Session{
		name:   name,
		owner:  owner,
		cfg:    cfg.Clone(),
		handle: handle,
		state:  StateCreated,
		logger: logger.Named("session").With(
			zap.String("vm", name), zap.String("instance", handle.ID())),

		dispatchDone: make(chan struct{}),
	}
	go s.dispatchEvents()
	return s
}

// dispatchEvents is the single consumer of the backend's lifecycle channel.
// It serializes state transitions and callback delivery for this session.
func (s *Session) dispatchEvents() {
	defer close(s.dispatchDone)
	for ev := range s.handle.Events() {
		s.apply(ev)
	}
}

func (s *Session) apply(ev backend.Event) {
	s.mu.Lock()
	switch ev.Kind {
	case backend.EventStarted:
		if s.state == StateStarting || s.state == StateCreated {
			s.state = StateRunning
		}
	case backend.EventError:
		s.state = StateError
	case backend.EventStopped:
		s.state = StateStopped
	}
	cb := s.callback
	s.mu.Unlock()

	if cb == nil {
		return
	}
	switch ev.Kind {
	case backend.EventStarted:
		// Not surfaced through the callback; the running state is observable
		// via State().
	case backend.EventPayloadStarted:
		cb.OnPayloadStarted(s)
	case backend.EventPayloadReady:
		cb.OnPayloadReady(s)
	case backend.EventPayloadFinished:
		cb.OnPayloadFinished(s, ev.ExitCode)
	case backend.EventError:
		s.logger.Error("vm reported error",
			zap.Int("code", ev.Code), zap.String("message", ev.Message))
		cb.OnError(s, ev.Code, ev.Message)
	case backend.EventStopped:
		s.logger.Info("vm stopped", zap.Int("reason", ev.Reason))
		cb.OnStopped(s, ev.Reason)
	}
}

// Name returns the session's unique name within its owner scope.
func (s *Session) Name() string { return s.name }

// Owner returns the owner scope the session belongs to.
func (s *Session) Owner() string { return s.owner }

// InstanceID returns the backend instance identifier of the session's handle.
// A recreated session under the same name carries a different instance id.
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle.ID()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns a copy of the current configuration snapshot.
func (s *Session) Config() *config.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// SetCallback registers the lifecycle notification receiver.
func (s *Session) SetCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

// Run boots the VM. Valid from Created or Stopped; concurrent calls must be
// serialized by the caller. The boot outcome arrives asynchronously through
// the callback.
func (s *Session) Run() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("%w: session deleted", ErrInvalidState)
	}
	if s.state != StateCreated && s.state != StateStopped {
		return fmt.Errorf("%w: cannot run from %s", ErrInvalidState, s.state)
	}
	if err := s.handle.Run(); err != nil {
		return fmt.Errorf("failed to run vm %s: %w", s.name, err)
	}
	s.state = StateStarting
	s.logger.Info("vm starting")
	return nil
}

// Suspend pauses a running VM.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("%w: cannot suspend from %s", ErrInvalidState, s.state)
	}
	if err := s.handle.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend vm %s: %w", s.name, err)
	}
	s.state = StateSuspended
	return nil
}

// Resume continues a suspended VM.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateSuspended {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, s.state)
	}
	if err := s.handle.Resume(); err != nil {
		return fmt.Errorf("failed to resume vm %s: %w", s.name, err)
	}
	s.state = StateRunning
	return nil
}

// Stop requests VM shutdown. The Stopped transition itself arrives through
// the lifecycle channel once the backend reports it.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateRunning, StateSuspended:
	default:
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, s.state)
	}
	if err := s.handle.Stop(); err != nil {
		return fmt.Errorf("failed to stop vm %s: %w", s.name, err)
	}
	return nil
}

// SetConfig replaces the configuration snapshot. It fails with
// ErrIncompatibleConfig when the new config differs in a property the
// backend cannot apply to an existing VM, leaving the stored config intact.
func (s *Session) SetConfig(next *config.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.CompatibleWith(next); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleConfig, err)
	}
	s.cfg = next.Clone()
	return nil
}

// ConnectChannel opens a new virtual-socket connection to the given guest
// port. Every call yields an independent connection; the session neither
// pools nor multiplexes them.
func (s *Session) ConnectChannel(port uint32) (net.Conn, error) {
	s.mu.Lock()
	handle := s.handle
	released := s.released
	s.mu.Unlock()

	if released {
		return nil, fmt.Errorf("%w: session deleted", ErrInvalidState)
	}
	return handle.ConnectVsock(port)
}

// SendInputEvent forwards a host input event to the guest. It returns false,
// not an error, when the session has no active handle to accept it.
//
// Lid events carry the host visibility convention instead of reaching the
// guest: closing the lid suspends the VM, opening it resumes.
func (s *Session) SendInputEvent(ev backend.InputEvent) bool {
	if ev.Kind == backend.InputLid {
		if ev.Down {
			return s.Suspend() == nil
		}
		return s.Resume() == nil
	}

	s.mu.Lock()
	handle := s.handle
	released := s.released
	state := s.state
	s.mu.Unlock()

	if released || handle == nil {
		return false
	}
	if state == StateStopped || state == StateError {
		return false
	}
	return handle.SendInput(ev)
}

// ForwardDiagnostics starts relays draining the VM's console and log streams
// in the background: console bytes into consoleSink (line-buffered), log
// lines into the session logger. It returns a wait function for the relays;
// backends without diagnostic streams yield a wait that returns immediately.
func (s *Session) ForwardDiagnostics(consoleSink io.Writer) (func() error, error) {
	s.mu.Lock()
	handle := s.handle
	released := s.released
	s.mu.Unlock()

	if released {
		return nil, fmt.Errorf("%w: session deleted", ErrInvalidState)
	}

	var g errgroup.Group

	console, err := handle.ConsoleOutput()
	switch {
	case err == nil:
		sink := bridge.NewLineBufferedWriter(consoleSink)
		relay := bridge.NewRelay("console", console, sink, s.logger)
		g.Go(func() error {
			defer console.Close()
			defer sink.Flush()
			return relay.Run()
		})
	case errors.Is(err, backend.ErrNoDiagnostics):
	default:
		return nil, err
	}

	logs, err := handle.LogOutput()
	switch {
	case err == nil:
		g.Go(func() error {
			defer logs.Close()
			return bridge.RelayLines("log", logs, s.logger)
		})
	case errors.Is(err, backend.ErrNoDiagnostics):
	default:
		return nil, err
	}

	return g.Wait, nil
}

// release closes the backend handle and detaches the session from further
// use. Called by the registry on delete; the old session never resurrects.
func (s *Session) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	handle := s.handle
	s.mu.Unlock()

	if err := handle.Close(); err != nil {
		s.logger.Warn("failed to close vm handle", zap.Error(err))
	}
	<-s.dispatchDone
}
