package main

import (
	"context"
	"log"
	"math"
	"time"
)

// PressResult is the structured outcome of a completed dispatch.
type PressResult struct {
	RequestID int   `json:"request_id"`
	ElapsedMs int64 `json:"elapsed_ms"`
	Repeat    int   `json:"repeat"`
	Count     int   `json:"count,omitempty"`
}

// Dispatcher is the facade the HTTP, MCP and MQTT surfaces drive: it
// resolves a named key press to a connector, synthesizes the command and
// reports the device's verdict.
type Dispatcher struct {
	registry  *Registry
	catalogue *CatalogueHolder
	metrics   *Metrics  // optional
	events    *EventHub // optional
}

// NewDispatcher wires the facade. metrics and events may be nil.
func NewDispatcher(registry *Registry, catalogue *CatalogueHolder, metrics *Metrics, events *EventHub) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		catalogue: catalogue,
		metrics:   metrics,
		events:    events,
	}
}

// Press sends one logical key press, repeated count times. A logical
// press is the base segment plus the keyset's default number of repeat
// emissions; count > 1 re-presses the key sequentially, preserving the
// per-press leading base segment.
func (d *Dispatcher) Press(ctx context.Context, slot int, device, key string, count int) (*PressResult, error) {
	if count < 1 {
		count = 1
	}
	conn, wf, err := d.resolve(slot, device, key)
	if err != nil {
		return nil, err
	}

	repeat := 1
	if len(wf.RepeatCycles) > 0 {
		repeat = 1 + wf.RepeatCountDefault
	}

	start := time.Now()
	var lastID int
	for n := 0; n < count; n++ {
		id, err := conn.SendIR(ctx, wf, repeat)
		lastID = id
		if err != nil {
			d.observe(conn, device, key, start, err)
			return nil, err
		}
	}
	d.observe(conn, device, key, start, nil)
	return &PressResult{
		RequestID: lastID,
		ElapsedMs: time.Since(start).Milliseconds(),
		Repeat:    repeat,
		Count:     count,
	}, nil
}

// PressAndHold holds a key for approximately durationMs by sizing the
// sendir repeat count to cover the requested duration.
func (d *Dispatcher) PressAndHold(ctx context.Context, slot int, device, key string, durationMs int) (*PressResult, error) {
	if durationMs < 1 {
		return nil, dispatchErr(KindBadConfig, "hold duration must be positive, got %d", durationMs)
	}
	conn, wf, err := d.resolve(slot, device, key)
	if err != nil {
		return nil, err
	}

	repeat := holdRepeat(wf, float64(durationMs))

	start := time.Now()
	id, err := conn.SendIR(ctx, wf, repeat)
	d.observe(conn, device, key, start, err)
	if err != nil {
		return nil, err
	}
	return &PressResult{
		RequestID: id,
		ElapsedMs: time.Since(start).Milliseconds(),
		Repeat:    repeat,
	}, nil
}

// holdRepeat computes the sendir repeat count covering a hold duration:
// the base segment plays once, then repeat segments fill the remainder.
// Waveforms without a repeat segment replay the whole signal instead.
func holdRepeat(wf *IRWaveform, durationMs float64) int {
	baseMs := wf.BaseDurationMs()
	repeatMs := wf.RepeatDurationMs()

	var repeat int
	if repeatMs > 0 {
		repeat = int(math.Ceil((durationMs-baseMs)/repeatMs)) + 1
	} else {
		repeat = int(math.Round(durationMs / baseMs))
	}
	if repeat < 1 {
		repeat = 1
	}
	return repeat
}

// Stop cancels any ongoing transmission on the slot.
func (d *Dispatcher) Stop(ctx context.Context, slot int) error {
	conn, err := d.registry.Resolve(slot)
	if err != nil {
		return err
	}
	if err := conn.StopIR(ctx); err != nil {
		return err
	}
	if d.events != nil {
		d.events.Broadcast(Event{Type: "stop", Slot: slot, Address: conn.Label()})
	}
	return nil
}

// ListKeys returns the key names for a device from the catalogue.
func (d *Dispatcher) ListKeys(device string) ([]string, error) {
	return d.catalogue.Get().ListKeys(device)
}

// ListDevices returns the device names in the catalogue.
func (d *Dispatcher) ListDevices() []string {
	return d.catalogue.Get().ListDevices()
}

// Health returns aggregated registry health.
func (d *Dispatcher) Health() []SlotHealth {
	return d.registry.List()
}

func (d *Dispatcher) resolve(slot int, device, key string) (*Connection, *IRWaveform, error) {
	conn, err := d.registry.Resolve(slot)
	if err != nil {
		return nil, nil, err
	}
	wf, err := d.catalogue.Get().Lookup(device, key)
	if err != nil {
		return nil, nil, err
	}
	return conn, wf, nil
}

func (d *Dispatcher) observe(conn *Connection, device, key string, start time.Time, err error) {
	elapsed := time.Since(start)
	result := "ok"
	if err != nil {
		result = string(ErrKindOf(err))
		log.Printf("Dispatcher: %s %s/%s failed after %v: %v", conn.Label(), device, key, elapsed, err)
	} else if DebugMode {
		log.Printf("Dispatcher: %s %s/%s completed in %v", conn.Label(), device, key, elapsed)
	}
	if d.metrics != nil {
		d.metrics.ObserveSend(conn.Label(), result, elapsed)
	}
	if d.events != nil {
		d.events.Broadcast(Event{
			Type:      "press",
			Address:   conn.Label(),
			Device:    device,
			Key:       key,
			Status:    result,
			ElapsedMs: elapsed.Milliseconds(),
		})
	}
}
