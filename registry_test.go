package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefaultSlotMapping(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceConfig{
			{Type: "itach", Host: "10.0.0.1", TCPPort: 4998, Module: 1, MaxPorts: 3, Count: 1},
			{Type: "itach", Host: "10.0.0.2", TCPPort: 4998, Module: 1, MaxPorts: 2, Count: 1},
		},
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	// Flat index runs device-by-device, port-major.
	want := map[int]string{
		1: "1:1@10.0.0.1:4998",
		2: "1:2@10.0.0.1:4998",
		3: "1:3@10.0.0.1:4998",
		4: "1:1@10.0.0.2:4998",
		5: "1:2@10.0.0.2:4998",
	}
	for slot, label := range want {
		conn, err := r.Resolve(slot)
		require.NoError(t, err, "slot %d", slot)
		assert.Equal(t, label, conn.Label())
	}

	_, err = r.Resolve(6)
	assert.Equal(t, KindUnknownSlot, ErrKindOf(err))
	_, err = r.Resolve(0)
	assert.Equal(t, KindUnknownSlot, ErrKindOf(err))
}

func TestRegistryExplicitSlotMapping(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceConfig{
			{Type: "itach", Host: "10.0.0.1", TCPPort: 4998, Module: 1, MaxPorts: 3, Count: 1},
		},
		Slots: []SlotConfig{
			{Slot: 7, Host: "10.0.0.1", Module: 1, Port: 3},
		},
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	conn, err := r.Resolve(7)
	require.NoError(t, err)
	assert.Equal(t, "1:3@10.0.0.1:4998", conn.Label())

	// Unmapped ports still exist as connections but have no slot.
	_, err = r.Resolve(1)
	assert.Equal(t, KindUnknownSlot, ErrKindOf(err))
}

func TestRegistrySlotReferencingUnknownConnector(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceConfig{
			{Type: "itach", Host: "10.0.0.1", TCPPort: 4998, Module: 1, MaxPorts: 2, Count: 1},
		},
		Slots: []SlotConfig{
			{Slot: 1, Host: "10.0.0.1", Module: 1, Port: 3},
		},
	}
	_, err := NewRegistry(cfg)
	require.Error(t, err)
	assert.Equal(t, KindBadConfig, ErrKindOf(err))
}

func TestRegistryReplicatedDevices(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceConfig{
			{Type: "itach", Host: "192.168.100.21", TCPPort: 4998, Module: 1, MaxPorts: 3, Count: 2},
		},
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	assert.Len(t, r.List(), 6)

	conn, err := r.Resolve(4)
	require.NoError(t, err)
	assert.Equal(t, "1:1@192.168.100.22:4998", conn.Label())
}

func TestRegistryListOrdering(t *testing.T) {
	cfg := &Config{
		Devices: []DeviceConfig{
			{Type: "itach", Host: "10.0.0.1", TCPPort: 4998, Module: 1, MaxPorts: 3, Count: 1},
		},
	}
	r, err := NewRegistry(cfg)
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	for i, entry := range list {
		assert.Equal(t, i+1, entry.Slot)
		assert.Equal(t, StateDisconnected, entry.Health.State)
	}
}
