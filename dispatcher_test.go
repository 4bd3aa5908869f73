package main

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testCatalogue(t *testing.T) *CatalogueHolder {
	t.Helper()
	cat, err := DecodeKeyset(keysetXML("STB", referencePacket("POWER")))
	require.NoError(t, err)
	return NewCatalogueHolder(cat)
}

func testRegistry(t *testing.T, f *fakeDevice) *Registry {
	t.Helper()
	cfg := &Config{
		Devices: []DeviceConfig{{Type: "itach", Host: "127.0.0.1", TCPPort: 0, Module: 1, MaxPorts: 1, Count: 1}},
	}
	// Point the single connection at the fake device.
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	for _, conn := range r.conns {
		conn.endpoint = f.addr()
	}
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func TestHoldRepeatMath(t *testing.T) {
	wf := &IRWaveform{
		ModulationFreqHz:    1000,
		BaseCycles:          []int{30, 30}, // 60 ms
		RepeatCycles:        []int{25, 25}, // 50 ms
		IntraSigPauseCycles: 10,            // 10 ms -> repeat emission 60 ms
	}
	assert.InDelta(t, 60, wf.BaseDurationMs(), 1e-9)
	assert.InDelta(t, 60, wf.RepeatDurationMs(), 1e-9)

	// ceil((500-60)/60)+1 = 9
	assert.Equal(t, 9, holdRepeat(wf, 500))
	// A hold shorter than the base still sends the base once.
	assert.Equal(t, 1, holdRepeat(wf, 10))
}

func TestHoldRepeatWithoutRepeatSegment(t *testing.T) {
	wf := &IRWaveform{
		ModulationFreqHz: 1000,
		BaseCycles:       []int{30, 30}, // 60 ms
	}
	assert.Equal(t, 8, holdRepeat(wf, 500)) // round(500/60)
	assert.Equal(t, 1, holdRepeat(wf, 1))
}

// For any waveform with a repeat segment, the computed count covers the
// requested duration and is minimal.
func TestHoldRepeatCoversDuration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		wf := &IRWaveform{
			ModulationFreqHz:    float64(rapid.IntRange(36000, 40000).Draw(t, "freq")),
			BaseCycles:          []int{rapid.IntRange(100, 5000).Draw(t, "b0"), rapid.IntRange(100, 5000).Draw(t, "b1")},
			RepeatCycles:        []int{rapid.IntRange(100, 5000).Draw(t, "r0"), rapid.IntRange(100, 5000).Draw(t, "r1")},
			IntraSigPauseCycles: rapid.IntRange(1, 4000).Draw(t, "pause"),
		}
		baseMs := wf.BaseDurationMs()
		repeatMs := wf.RepeatDurationMs()
		durationMs := rapid.Float64Range(baseMs, baseMs+1000).Draw(t, "duration")

		repeat := holdRepeat(wf, durationMs)
		require.GreaterOrEqual(t, repeat, 1)

		covered := baseMs + float64(repeat-1)*repeatMs
		assert.GreaterOrEqual(t, covered, durationMs-1e-9)
		if repeat >= 2 {
			under := baseMs + float64(repeat-2)*repeatMs
			assert.Less(t, under, durationMs+1e-9)
		}
	})
}

func TestPressLookupErrors(t *testing.T) {
	f := newFakeDevice(t)
	reg := testRegistry(t, f)
	d := NewDispatcher(reg, testCatalogue(t), nil, nil)

	_, err := d.Press(context.Background(), 99, "STB", "POWER", 1)
	assert.Equal(t, KindUnknownSlot, ErrKindOf(err))

	_, err = d.Press(context.Background(), 1, "VCR", "POWER", 1)
	assert.Equal(t, KindUnknownDevice, ErrKindOf(err))

	_, err = d.Press(context.Background(), 1, "STB", "EJECT", 1)
	assert.Equal(t, KindUnknownKey, ErrKindOf(err))
}

func TestPressEndToEnd(t *testing.T) {
	f := newFakeDevice(t)
	reg := testRegistry(t, f)
	d := NewDispatcher(reg, testCatalogue(t), nil, nil)

	conn, err := reg.Resolve(1)
	require.NoError(t, err)
	waitState(t, conn, StateReady)

	dev := f.accept()
	reader := bufio.NewReader(dev)

	done := make(chan *PressResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := d.Press(context.Background(), 1, "STB", "POWER", 1)
		if err != nil {
			errCh <- err
			return
		}
		done <- res
	}()

	line := readLine(t, reader)
	fields, err := ParseSendIR(line)
	require.NoError(t, err)
	// Logical press: base plus the keyset's single default repeat.
	assert.Equal(t, 2, fields.Repeat)
	assert.Equal(t, 40000, fields.Freq)
	assert.Equal(t, 3, fields.Offset)
	assert.Equal(t, []int{10, 40, 200, 40, 10}, fields.Cycles)

	respond(t, dev, fmt.Sprintf("completeir,%d:%d,%d", fields.Module, fields.Port, fields.ID))

	select {
	case res := <-done:
		assert.Equal(t, fields.ID, res.RequestID)
		assert.Equal(t, 2, res.Repeat)
	case err := <-errCh:
		t.Fatalf("press failed: %v", err)
	}
}

func TestPressAndHoldEndToEnd(t *testing.T) {
	f := newFakeDevice(t)
	reg := testRegistry(t, f)
	d := NewDispatcher(reg, testCatalogue(t), nil, nil)

	conn, err := reg.Resolve(1)
	require.NoError(t, err)
	waitState(t, conn, StateReady)

	dev := f.accept()
	reader := bufio.NewReader(dev)

	holdDone := make(chan error, 1)
	go func() {
		_, err := d.PressAndHold(context.Background(), 1, "STB", "POWER", 100)
		holdDone <- err
	}()

	line := readLine(t, reader)
	fields, err := ParseSendIR(line)
	require.NoError(t, err)

	// base 1.25 ms, repeat emission 6.25 ms:
	// ceil((100-1.25)/6.25)+1 = 17
	wantRepeat := int(math.Ceil((100-1.25)/6.25)) + 1
	assert.Equal(t, wantRepeat, fields.Repeat)

	respond(t, dev, fmt.Sprintf("completeir,%d:%d,%d", fields.Module, fields.Port, fields.ID))
	require.NoError(t, <-holdDone)
}

func TestStopIssuesStopIR(t *testing.T) {
	f := newFakeDevice(t)
	reg := testRegistry(t, f)
	d := NewDispatcher(reg, testCatalogue(t), nil, nil)

	conn, err := reg.Resolve(1)
	require.NoError(t, err)
	waitState(t, conn, StateReady)

	dev := f.accept()
	reader := bufio.NewReader(dev)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Stop(context.Background(), 1)
	}()

	assert.Equal(t, "stopir,1:1", readLine(t, reader))
	respond(t, dev, "stopir,1:1")
	require.NoError(t, <-errCh)
}

func TestHealthAggregation(t *testing.T) {
	f := newFakeDevice(t)
	reg := testRegistry(t, f)
	d := NewDispatcher(reg, testCatalogue(t), nil, nil)

	health := d.Health()
	require.Len(t, health, 1)
	assert.Equal(t, 1, health[0].Slot)
}
