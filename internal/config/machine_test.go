package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseMachine() *Machine {
	return &Machine{
		Kernel:      "/images/kernel",
		Initrd:      "/images/initrd",
		Params:      []string{"console=hvc0", "root=/dev/vda"},
		Disks:       []Disk{{Image: "/images/rootfs.img", Writable: false}},
		CPUs:        2,
		MemoryBytes: 4 * 1024 * 1024 * 1024,
		Display:     Display{Width: 1280, Height: 800, DPI: 160, RefreshRate: 60},
		Network:     true,
	}
}

func TestCompatibleWith(t *testing.T) {
	t.Run("identical configs are compatible", func(t *testing.T) {
		assert.NoError(t, baseMachine().CompatibleWith(baseMachine()))
	})

	t.Run("mutable fields may change", func(t *testing.T) {
		next := baseMachine()
		next.CPUs = 8
		next.MemoryBytes = 16 * 1024 * 1024 * 1024
		next.Display.Width = 1920
		next.Network = false
		next.Audio = true
		assert.NoError(t, baseMachine().CompatibleWith(next))
	})

	t.Run("protection mode is immutable", func(t *testing.T) {
		next := baseMachine()
		next.Protected = true
		assert.Error(t, baseMachine().CompatibleWith(next))
	})

	t.Run("boot images are immutable", func(t *testing.T) {
		for _, mutate := range []func(*Machine){
			func(m *Machine) { m.Kernel = "/other" },
			func(m *Machine) { m.Initrd = "/other" },
			func(m *Machine) { m.Bootloader = "/other" },
		} {
			next := baseMachine()
			mutate(next)
			assert.Error(t, baseMachine().CompatibleWith(next))
		}
	})

	t.Run("disk set is immutable", func(t *testing.T) {
		next := baseMachine()
		next.Disks = append(next.Disks, Disk{Image: "/images/extra.img", Writable: true})
		assert.Error(t, baseMachine().CompatibleWith(next))

		next = baseMachine()
		next.Disks[0].Writable = true
		assert.Error(t, baseMachine().CompatibleWith(next))
	})
}

func TestLoadMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"protected": false,
		"kernel": "/images/kernel",
		"params": ["console=hvc0", "quiet"],
		"disks": [{"image": "/images/rootfs.img", "writable": true}],
		"cpus": 4,
		"memory_bytes": 2147483648,
		"display": {"width": 1920, "height": 1080, "dpi": 320, "refresh_rate": 120},
		"network": true
	}`), 0644))

	m, err := LoadMachine(path)
	require.NoError(t, err)
	assert.Equal(t, "/images/kernel", m.Kernel)
	assert.Equal(t, []string{"console=hvc0", "quiet"}, m.Params)
	assert.Equal(t, []Disk{{Image: "/images/rootfs.img", Writable: true}}, m.Disks)
	assert.Equal(t, 4, m.CPUs)
	assert.Equal(t, uint64(2147483648), m.MemoryBytes)
	assert.Equal(t, 120, m.Display.RefreshRate)
	assert.True(t, m.Network)
}

func TestLoadMachineErrors(t *testing.T) {
	_, err := LoadMachine(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadMachine(path)
	assert.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	d := Defaults{CPUs: 2, MemoryBytes: 8 * 1024 * 1024 * 1024}

	m := &Machine{}
	m.ApplyDefaults(d)
	assert.Equal(t, 2, m.CPUs)
	assert.Equal(t, uint64(8*1024*1024*1024), m.MemoryBytes)

	m = &Machine{CPUs: 6, MemoryBytes: 1024}
	m.ApplyDefaults(d)
	assert.Equal(t, 6, m.CPUs)
	assert.Equal(t, uint64(1024), m.MemoryBytes)
}

func TestCloneIsIndependent(t *testing.T) {
	m := baseMachine()
	c := m.Clone()

	c.Params[0] = "changed"
	c.Disks[0].Image = "/changed"
	c.CPUs = 99

	assert.Equal(t, "console=hvc0", m.Params[0])
	assert.Equal(t, "/images/rootfs.img", m.Disks[0].Image)
	assert.Equal(t, 2, m.CPUs)
}
