package backend

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/quarkvm/vmlauncher/internal/config"
)

// VsockHandler serves one in-process guest endpoint. It receives the guest
// side of the connection and must close it when done.
type VsockHandler func(conn net.Conn)

// Memory is an in-process Backend. Machines exist only for the lifetime of
// the process and vsock ports are served by registered handlers over
// net.Pipe. It backs tests and --backend=memory dry runs on hosts without a
// hypervisor.
type Memory struct {
	mu       sync.Mutex
	machines map[string]map[string]*config.Machine // owner -> name -> config
	handlers map[uint32]VsockHandler
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		machines: make(map[string]map[string]*config.Machine),
		handlers: make(map[uint32]VsockHandler),
	}
}

// HandleVsock registers the in-process guest endpoint for a port. Passing a
// nil handler removes the registration.
func (m *Memory) HandleVsock(port uint32, h VsockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h == nil {
		delete(m.handlers, port)
		return
	}
	m.handlers[port] = h
}

func (m *Memory) Create(owner, name string, cfg *config.Machine) (Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byName := m.machines[owner]
	if byName == nil {
		byName = make(map[string]*config.Machine)
		m.machines[owner] = byName
	}
	if _, ok := byName[name]; ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, owner, name)
	}
	byName[name] = cfg.Clone()

	return m.newHandle(), nil
}

func (m *Memory) Load(owner, name string) (Handle, *config.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.machines[owner][name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
	}
	return m.newHandle(), cfg.Clone(), nil
}

func (m *Memory) List(owner string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.machines[owner] {
		names = append(names, name)
	}
	return names, nil
}

func (m *Memory) Delete(owner, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.machines[owner][name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
	}
	delete(m.machines[owner], name)
	return nil
}

func (m *Memory) newHandle() *MemoryHandle {
	return &MemoryHandle{
		id:      uuid.New().String(),
		backend: m,
		events:  make(chan Event, 16),
	}
}

// MemoryHandle is the Handle implementation of the Memory backend. Emit lets
// embedding tests drive arbitrary lifecycle events through a session.
type MemoryHandle struct {
	id      string
	backend *Memory

	mu      sync.Mutex
	running bool
	closed  bool
	inputs  []InputEvent

	events    chan Event
	closeOnce sync.Once
}

// ID returns the unique instance identifier of this handle.
func (h *MemoryHandle) ID() string { return h.id }

func (h *MemoryHandle) Run() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("handle closed")
	}
	h.running = true
	h.mu.Unlock()

	h.Emit(Event{Kind: EventStarted})
	return nil
}

func (h *MemoryHandle) Suspend() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return fmt.Errorf("not running")
	}
	h.running = false
	return nil
}

func (h *MemoryHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	return nil
}

func (h *MemoryHandle) Stop() error {
	h.mu.Lock()
	h.running = false
	h.mu.Unlock()

	h.Emit(Event{Kind: EventStopped, Reason: 0})
	return nil
}

func (h *MemoryHandle) ConnectVsock(port uint32) (net.Conn, error) {
	h.backend.mu.Lock()
	handler, ok := h.backend.handlers[port]
	h.backend.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no listener on vsock port %d", port)
	}

	host, guest := net.Pipe()
	go handler(guest)
	return host, nil
}

func (h *MemoryHandle) Events() <-chan Event { return h.events }

// Emit delivers a lifecycle event to the handle's consumer. Events are
// dropped once the handle is closed.
func (h *MemoryHandle) Emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

func (h *MemoryHandle) SendInput(ev InputEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return false
	}
	h.inputs = append(h.inputs, ev)
	return true
}

// Inputs returns the input events accepted so far.
func (h *MemoryHandle) Inputs() []InputEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]InputEvent, len(h.inputs))
	copy(out, h.inputs)
	return out
}

func (h *MemoryHandle) ConsoleOutput() (io.ReadCloser, error) {
	return nil, ErrNoDiagnostics
}

func (h *MemoryHandle) LogOutput() (io.ReadCloser, error) {
	return nil, ErrNoDiagnostics
}

func (h *MemoryHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.running = false
	h.mu.Unlock()

	h.closeOnce.Do(func() { close(h.events) })
	return nil
}
