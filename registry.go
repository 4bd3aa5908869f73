package main

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
)

// SlotHealth pairs a slot with its connection identity and health.
type SlotHealth struct {
	Slot    int          `json:"slot"`
	Address string       `json:"address"`
	Health  HealthRecord `json:"health"`
}

// Registry owns every device connection and the slot mapping the
// dispatcher resolves against. The mapping is built once from
// configuration and immutable afterwards.
type Registry struct {
	conns map[string]*Connection // keyed by label
	slots map[int]*Connection
}

// NewRegistry builds connections for every IR port of every configured
// device and wires up the slot map. Connections are not started yet;
// call Start.
func NewRegistry(cfg *Config) (*Registry, error) {
	devices, err := cfg.ExpandedDevices()
	if err != nil {
		return nil, err
	}

	r := &Registry{
		conns: make(map[string]*Connection),
		slots: make(map[int]*Connection),
	}

	for _, d := range devices {
		endpoint := d.Host + ":" + strconv.Itoa(d.TCPPort)
		for port := 1; port <= d.MaxPorts; port++ {
			conn := NewConnection(endpoint, d.Module, port)
			if _, dup := r.conns[conn.Label()]; dup {
				return nil, dispatchErr(KindBadConfig, "duplicate connector %s", conn.Label())
			}
			r.conns[conn.Label()] = conn
		}
	}

	if len(cfg.Slots) > 0 {
		// Slot entries name the device by host only; index connectors
		// without the TCP port.
		byHost := make(map[string]*Connection)
		for _, d := range devices {
			endpoint := d.Host + ":" + strconv.Itoa(d.TCPPort)
			for port := 1; port <= d.MaxPorts; port++ {
				key := fmt.Sprintf("%d:%d@%s", d.Module, port, d.Host)
				byHost[key] = r.conns[fmt.Sprintf("%d:%d@%s", d.Module, port, endpoint)]
			}
		}
		for _, s := range cfg.Slots {
			conn, ok := byHost[fmt.Sprintf("%d:%d@%s", s.Module, s.Port, s.Host)]
			if !ok {
				return nil, dispatchErr(KindBadConfig, "slot %d references unknown connector %d:%d on %s", s.Slot, s.Module, s.Port, s.Host)
			}
			r.slots[s.Slot] = conn
		}
	} else {
		// Default mapping: flat 1-based index across devices in
		// declaration order, port-major within each device.
		slot := 1
		for _, d := range devices {
			endpoint := d.Host + ":" + strconv.Itoa(d.TCPPort)
			for port := 1; port <= d.MaxPorts; port++ {
				label := fmt.Sprintf("%d:%d@%s", d.Module, port, endpoint)
				r.slots[slot] = r.conns[label]
				slot++
			}
		}
	}

	log.Printf("Registry: %d connections across %d devices, %d slots mapped", len(r.conns), len(devices), len(r.slots))
	return r, nil
}

// SetStateHook installs a transition observer on every connection.
// Must be called before Start.
func (r *Registry) SetStateHook(hook func(c *Connection, from, to ConnState)) {
	for _, conn := range r.conns {
		conn.onStateChange = hook
	}
}

// Start launches every connection's lifecycle goroutine.
func (r *Registry) Start() {
	for _, conn := range r.conns {
		conn.Start()
	}
}

// Resolve maps a flat slot index to its connection.
func (r *Registry) Resolve(slot int) (*Connection, error) {
	conn, ok := r.slots[slot]
	if !ok {
		return nil, dispatchErr(KindUnknownSlot, "slot %d is not mapped", slot)
	}
	return conn, nil
}

// List returns health for every mapped slot, ordered by slot index.
func (r *Registry) List() []SlotHealth {
	out := make([]SlotHealth, 0, len(r.slots))
	for slot, conn := range r.slots {
		out = append(out, SlotHealth{
			Slot:    slot,
			Address: conn.Label(),
			Health:  conn.Health(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Healthcheck probes every connection concurrently with getversion.
// Results land in each connection's health record.
func (r *Registry) Healthcheck(ctx context.Context) {
	var wg sync.WaitGroup
	for _, conn := range r.conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Healthcheck(ctx); err != nil && DebugMode {
				log.Printf("Registry: healthcheck %s: %v", c.Label(), err)
			}
		}(conn)
	}
	wg.Wait()
}

// Shutdown drains every connection within the context deadline.
func (r *Registry) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, conn := range r.conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if err := c.Close(ctx); err != nil {
				log.Printf("Registry: shutdown %s: %v", c.Label(), err)
			}
		}(conn)
	}
	wg.Wait()
	log.Printf("Registry: all connections released")
}
