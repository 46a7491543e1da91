package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// Disk describes one block device image attached to the machine.
type Disk struct {
	Image    string `json:"image"`
	Writable bool   `json:"writable"`
}

// Display describes the guest display geometry.
type Display struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	DPI         int `json:"dpi"`
	RefreshRate int `json:"refresh_rate"`
}

// Machine is a pre-validated machine configuration snapshot. It is the value
// passed into Registry.Create and Session.SetConfig; assembling one from user
// input happens before it reaches the session layer.
type Machine struct {
	Protected  bool     `json:"protected"`
	Kernel     string   `json:"kernel,omitempty"`
	Initrd     string   `json:"initrd,omitempty"`
	Bootloader string   `json:"bootloader,omitempty"`
	Params     []string `json:"params,omitempty"`
	Disks      []Disk   `json:"disks,omitempty"`

	CPUs        int     `json:"cpus"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Display     Display `json:"display"`
	Network     bool    `json:"network"`
	Audio       bool    `json:"audio"`
}

// LoadMachine reads a machine configuration from a JSON file.
func LoadMachine(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine config: %w", err)
	}

	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse machine config: %w", err)
	}
	return &m, nil
}

// ApplyDefaults fills zero-valued sizing fields from the application defaults.
func (m *Machine) ApplyDefaults(d Defaults) {
	if m.CPUs == 0 {
		m.CPUs = d.CPUs
	}
	if m.MemoryBytes == 0 {
		m.MemoryBytes = d.MemoryBytes
	}
}

// Clone returns a deep copy of the config so stored snapshots cannot be
// mutated through the caller's value.
func (m *Machine) Clone() *Machine {
	c := *m
	c.Params = slices.Clone(m.Params)
	c.Disks = slices.Clone(m.Disks)
	return &c
}

// CompatibleWith reports whether next can replace m on an existing machine.
// Properties the backend cannot change on a persisted VM (protection mode,
// boot image identity, disk set) must match; sizing and peripheral toggles
// may differ.
func (m *Machine) CompatibleWith(next *Machine) error {
	if m.Protected != next.Protected {
		return fmt.Errorf("protection mode cannot change (%t -> %t)", m.Protected, next.Protected)
	}
	if m.Kernel != next.Kernel {
		return fmt.Errorf("kernel image cannot change (%q -> %q)", m.Kernel, next.Kernel)
	}
	if m.Initrd != next.Initrd {
		return fmt.Errorf("initrd image cannot change (%q -> %q)", m.Initrd, next.Initrd)
	}
	if m.Bootloader != next.Bootloader {
		return fmt.Errorf("bootloader cannot change (%q -> %q)", m.Bootloader, next.Bootloader)
	}
	if !slices.Equal(m.Disks, next.Disks) {
		return fmt.Errorf("disk set cannot change")
	}
	return nil
}
