//go:build darwin

package backend

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/Code-Hex/vz/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarkvm/vmlauncher/internal/config"
)

// VZ is the Virtualization.framework backend. Machine definitions are
// persisted through a Store; each Create/Load builds a fresh vz virtual
// machine and hands out an exclusive handle for it.
type VZ struct {
	store  *Store
	logger *zap.Logger
}

// NewVZ creates a Virtualization.framework backend persisting definitions in
// the default store.
func NewVZ(logger *zap.Logger) (*VZ, error) {
	store, err := NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create vm store: %w", err)
	}
	return &VZ{store: store, logger: logger.Named("vz")}, nil
}

func (b *VZ) Create(owner, name string, cfg *config.Machine) (Handle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if b.store.Exists(owner, name) {
		return nil, fmt.Errorf("%w: %s/%s", ErrAlreadyExists, owner, name)
	}

	handle, err := b.buildHandle(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.store.Save(owner, name, cfg); err != nil {
		handle.Close()
		return nil, err
	}
	return handle, nil
}

func (b *VZ) Load(owner, name string) (Handle, *config.Machine, error) {
	cfg, err := b.store.Load(owner, name)
	if err != nil {
		return nil, nil, err
	}
	handle, err := b.buildHandle(cfg)
	if err != nil {
		return nil, nil, err
	}
	return handle, cfg, nil
}

func (b *VZ) List(owner string) ([]string, error) {
	return b.store.List(owner)
}

func (b *VZ) Delete(owner, name string) error {
	return b.store.Delete(owner, name)
}

// buildHandle assembles the vz machine configuration and instantiates the
// virtual machine. Device configuration order matters to the framework:
// entropy first, storage, serial console, network, then the socket device.
func (b *VZ) buildHandle(cfg *config.Machine) (*vzHandle, error) {
	if cfg.Kernel == "" {
		return nil, fmt.Errorf("%w: kernel image required", ErrInvalidConfig)
	}
	if cfg.Protected {
		return nil, fmt.Errorf("%w: protected VMs are not supported by this host", ErrInvalidConfig)
	}

	bootLoader, err := b.bootLoader(cfg)
	if err != nil {
		return nil, err
	}

	vmConfig, err := vz.NewVirtualMachineConfiguration(bootLoader, uint(cfg.CPUs), cfg.MemoryBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create VM config: %w", err)
	}

	entropyDevice, err := vz.NewVirtioEntropyDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to create entropy device: %w", err)
	}
	vmConfig.SetEntropyDevicesVirtualMachineConfiguration(
		[]*vz.VirtioEntropyDeviceConfiguration{entropyDevice})

	var storage []vz.StorageDeviceConfiguration
	for _, disk := range cfg.Disks {
		attachment, err := vz.NewDiskImageStorageDeviceAttachment(disk.Image, !disk.Writable)
		if err != nil {
			return nil, fmt.Errorf("failed to attach disk %s: %w", disk.Image, err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
		if err != nil {
			return nil, fmt.Errorf("failed to create block device: %w", err)
		}
		storage = append(storage, blockDevice)
	}
	vmConfig.SetStorageDevicesVirtualMachineConfiguration(storage)

	consoleRead, serialConfig, closeConsole, err := createSerialConsole()
	if err != nil {
		return nil, fmt.Errorf("failed to create serial console: %w", err)
	}
	vmConfig.SetSerialPortsVirtualMachineConfiguration(
		[]*vz.VirtioConsoleDeviceSerialPortConfiguration{serialConfig})

	if cfg.Network {
		natAttachment, err := vz.NewNATNetworkDeviceAttachment()
		if err != nil {
			closeConsole()
			return nil, fmt.Errorf("failed to create NAT attachment: %w", err)
		}
		networkDevice, err := vz.NewVirtioNetworkDeviceConfiguration(natAttachment)
		if err != nil {
			closeConsole()
			return nil, fmt.Errorf("failed to create network device: %w", err)
		}
		vmConfig.SetNetworkDevicesVirtualMachineConfiguration(
			[]*vz.VirtioNetworkDeviceConfiguration{networkDevice})
	}

	socketConfig, err := vz.NewVirtioSocketDeviceConfiguration()
	if err != nil {
		closeConsole()
		return nil, fmt.Errorf("failed to create socket device: %w", err)
	}
	vmConfig.SetSocketDevicesVirtualMachineConfiguration(
		[]vz.SocketDeviceConfiguration{socketConfig})

	valid, err := vmConfig.Validate()
	if err != nil {
		closeConsole()
		return nil, fmt.Errorf("invalid VM configuration: %w", err)
	}
	if !valid {
		closeConsole()
		return nil, fmt.Errorf("%w: configuration rejected by the framework", ErrInvalidConfig)
	}

	vm, err := vz.NewVirtualMachine(vmConfig)
	if err != nil {
		closeConsole()
		return nil, fmt.Errorf("failed to create virtual machine: %w", err)
	}

	h := &vzHandle{
		id:           uuid.New().String(),
		vm:           vm,
		console:      consoleRead,
		closeConsole: closeConsole,
		events:       make(chan Event, 16),
		logger:       b.logger,
	}
	go h.watchState()
	return h, nil
}

func (b *VZ) bootLoader(cfg *config.Machine) (vz.BootLoader, error) {
	opts := []vz.LinuxBootLoaderOption{
		vz.WithCommandLine(strings.Join(cfg.Params, " ")),
	}
	if cfg.Initrd != "" {
		opts = append(opts, vz.WithInitrd(cfg.Initrd))
	}
	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create boot loader: %w", err)
	}
	return bootLoader, nil
}

// createSerialConsole wires the guest serial port to a host pipe. The guest
// writes to one end; the returned reader is the host-visible console stream.
func createSerialConsole() (*os.File, *vz.VirtioConsoleDeviceSerialPortConfiguration, func(), error) {
	readPipe, guestWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	guestRead, writePipe, err := os.Pipe()
	if err != nil {
		_ = readPipe.Close()
		_ = guestWrite.Close()
		return nil, nil, nil, err
	}

	closeAll := func() {
		_ = readPipe.Close()
		_ = guestWrite.Close()
		_ = guestRead.Close()
		_ = writePipe.Close()
	}

	attachment, err := vz.NewFileHandleSerialPortAttachment(guestRead, guestWrite)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	serialConfig, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}

	return readPipe, serialConfig, closeAll, nil
}

type vzHandle struct {
	id           string
	vm           *vz.VirtualMachine
	console      *os.File
	closeConsole func()
	logger       *zap.Logger

	events    chan Event
	closeOnce sync.Once

	mu          sync.Mutex
	closed      bool
	consoleUsed bool
}

func (h *vzHandle) ID() string { return h.id }

func (h *vzHandle) Run() error {
	if err := h.vm.Start(); err != nil {
		return fmt.Errorf("failed to start VM: %w", err)
	}
	return nil
}

func (h *vzHandle) Suspend() error {
	if err := h.vm.Pause(); err != nil {
		return fmt.Errorf("failed to suspend VM: %w", err)
	}
	return nil
}

func (h *vzHandle) Resume() error {
	if err := h.vm.Resume(); err != nil {
		return fmt.Errorf("failed to resume VM: %w", err)
	}
	return nil
}

func (h *vzHandle) Stop() error {
	state := h.vm.State()
	if state == vz.VirtualMachineStateStopped || state == vz.VirtualMachineStateError {
		return nil
	}
	if h.vm.CanRequestStop() {
		if _, err := h.vm.RequestStop(); err == nil {
			return nil
		}
	}
	if err := h.vm.Stop(); err != nil {
		// A stop racing the VM's own shutdown is not a failure.
		if !strings.Contains(err.Error(), "Invalid virtual machine state transition") {
			return fmt.Errorf("failed to stop VM: %w", err)
		}
	}
	return nil
}

func (h *vzHandle) ConnectVsock(port uint32) (net.Conn, error) {
	devices := h.vm.SocketDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no socket device configured")
	}
	conn, err := devices[0].Connect(port)
	if err != nil {
		return nil, fmt.Errorf("failed to connect vsock port %d: %w", port, err)
	}
	return conn, nil
}

func (h *vzHandle) Events() <-chan Event { return h.events }

// watchState translates framework state changes into lifecycle events. The
// notification channel closes when the VM object is released.
func (h *vzHandle) watchState() {
	for state := range h.vm.StateChangedNotify() {
		h.logger.Debug("vm state changed", zap.Int("state", int(state)))
		switch state {
		case vz.VirtualMachineStateRunning:
			h.emit(Event{Kind: EventStarted})
		case vz.VirtualMachineStateStopped:
			h.emit(Event{Kind: EventStopped, Reason: 0})
			return
		case vz.VirtualMachineStateError:
			h.emit(Event{Kind: EventError, Code: 1, Message: "virtual machine entered error state"})
			return
		}
	}
}

func (h *vzHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- ev
}

// SendInput is not supported without a display-attached input device; callers
// get false rather than an error, matching the session contract.
func (h *vzHandle) SendInput(ev InputEvent) bool {
	return false
}

func (h *vzHandle) ConsoleOutput() (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.consoleUsed {
		return nil, fmt.Errorf("%w: console stream already claimed", ErrNoDiagnostics)
	}
	h.consoleUsed = true
	return h.console, nil
}

func (h *vzHandle) LogOutput() (io.ReadCloser, error) {
	return nil, ErrNoDiagnostics
}

func (h *vzHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.closeOnce.Do(func() {
		h.closeConsole()
		close(h.events)
	})
	return nil
}
