// Package backend defines the boundary to the virtualization service that
// actually creates and runs virtual machines. The session layer never talks
// to a hypervisor directly; everything goes through a Backend and the Handles
// it hands out.
package backend

import (
	"errors"
	"io"
	"net"

	"github.com/quarkvm/vmlauncher/internal/config"
)

var (
	// ErrAlreadyExists is returned by Create when a VM with the same name is
	// already persisted for the owner.
	ErrAlreadyExists = errors.New("vm already exists")

	// ErrNotFound is returned by Load and Delete when no VM with the given
	// name is persisted for the owner.
	ErrNotFound = errors.New("vm not found")

	// ErrInvalidConfig is returned by Create when the backend rejects the
	// machine configuration.
	ErrInvalidConfig = errors.New("invalid machine config")
)

// EventKind identifies one lifecycle event emitted by a running VM.
type EventKind int

const (
	// EventStarted is emitted once the VM is actually running.
	EventStarted EventKind = iota
	// EventPayloadStarted, EventPayloadReady and EventPayloadFinished are
	// emitted only by payload-carrying VM flavors. Custom-image VMs never
	// emit them and their absence is not an error.
	EventPayloadStarted
	EventPayloadReady
	EventPayloadFinished
	// EventError reports an abnormal VM failure. Terminal.
	EventError
	// EventStopped reports normal VM termination. Terminal.
	EventStopped
)

// Event is one backend-emitted lifecycle notification. Events for a handle
// are delivered in emission order on its Events channel.
type Event struct {
	Kind     EventKind
	ExitCode int    // EventPayloadFinished
	Code     int    // EventError
	Message  string // EventError
	Reason   int    // EventStopped
}

// InputEventKind identifies the class of a forwarded host input event.
type InputEventKind int

const (
	InputKey InputEventKind = iota
	InputTouch
	InputMouse
	InputLid
)

// InputEvent is a host input event forwarded to the guest.
type InputEvent struct {
	Kind InputEventKind
	Code int
	X, Y float64
	Down bool
}

// Handle is the exclusive grip on one backend-side VM instance. It is owned
// by a single session; no other component mutates it.
type Handle interface {
	// ID returns the unique identifier of this instance. Recreating a VM
	// under the same name yields a handle with a different ID.
	ID() string

	// Run boots the VM. The outcome of the boot is reported asynchronously
	// through Events.
	Run() error
	Suspend() error
	Resume() error
	Stop() error

	// ConnectVsock opens a new connection to the given guest vsock port.
	// Every call yields an independent connection.
	ConnectVsock(port uint32) (net.Conn, error)

	// Events returns the lifecycle notification channel for this instance.
	// The channel is closed when the handle is closed.
	Events() <-chan Event

	// SendInput forwards a host input event to the guest. It returns false,
	// not an error, when the instance cannot accept input.
	SendInput(ev InputEvent) bool

	// ConsoleOutput and LogOutput expose the diagnostic byte streams of the
	// VM for relaying. They may return ErrNoDiagnostics.
	ConsoleOutput() (io.ReadCloser, error)
	LogOutput() (io.ReadCloser, error)

	// Close releases the handle. It does not delete the persisted VM.
	Close() error
}

// ErrNoDiagnostics is returned by ConsoleOutput/LogOutput when the backend
// does not expose that stream.
var ErrNoDiagnostics = errors.New("diagnostic stream not available")

// Backend creates, loads and deletes persisted virtual machines for an owner
// scope.
type Backend interface {
	// Create persists a new VM and returns a fresh handle for it.
	Create(owner, name string, cfg *config.Machine) (Handle, error)

	// Load returns a handle and the stored config for a persisted VM, or
	// ErrNotFound.
	Load(owner, name string) (Handle, *config.Machine, error)

	// List returns the names of all persisted VMs for the owner.
	List(owner string) ([]string, error)

	// Delete removes the persisted VM.
	Delete(owner, name string) error
}
