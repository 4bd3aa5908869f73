package main

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
)

// segmentMarker separates the base and repeat segments in RedRat SigData.
// It is a splitter only and must never survive into a decoded waveform.
const segmentMarker = 0x7F

// IRWaveform is the canonical representation of one IR signal: alternating
// pulse/space durations expressed as integer counts of the modulation
// carrier cycle, split into a base segment (sent once) and an optional
// repeat segment (sent zero or more times, each preceded by the
// intra-signal pause).
type IRWaveform struct {
	ModulationFreqHz    float64
	BaseCycles          []int
	RepeatCycles        []int
	RepeatCountDefault  int
	IntraSigPauseCycles int
}

// BaseDurationMs returns the real duration of the base segment.
func (w *IRWaveform) BaseDurationMs() float64 {
	return cyclesToMs(sumInts(w.BaseCycles), w.ModulationFreqHz)
}

// RepeatDurationMs returns the real duration of one repeat emission,
// including the intra-signal pause that precedes it. Zero when the
// waveform has no repeat segment.
func (w *IRWaveform) RepeatDurationMs() float64 {
	if len(w.RepeatCycles) == 0 {
		return 0
	}
	return cyclesToMs(sumInts(w.RepeatCycles)+w.IntraSigPauseCycles, w.ModulationFreqHz)
}

func cyclesToMs(cycles int, freqHz float64) float64 {
	return float64(cycles) / freqHz * 1000.0
}

func sumInts(v []int) int {
	total := 0
	for _, x := range v {
		total += x
	}
	return total
}

// RedRat KeyManager XML document structure. Only the fields the decoder
// consumes are mapped; everything else is ignored by encoding/xml.

type redratKeyManager struct {
	XMLName xml.Name        `xml:"KeyManager"`
	Devices []redratDevice  `xml:"AVDeviceDB>AVDevices>AVDevice"`
	// Some exports place the device list directly under the root.
	RootDevices []redratDevice `xml:"AVDevices>AVDevice"`
}

type redratDevice struct {
	Name    string         `xml:"Name"`
	Packets []redratPacket `xml:"Signals>IRPacket"`
}

type redratPacket struct {
	Type           string    `xml:"type,attr"`
	Name           string    `xml:"Name"`
	UID            string    `xml:"UID"`
	ModulationFreq float64   `xml:"ModulationFreq"`
	Lengths        []float64 `xml:"Lengths>double"`
	SigData        string    `xml:"SigData"`
	NoRepeats      int       `xml:"NoRepeats"`
	IntraSigPause  float64   `xml:"IntraSigPause"`
}

func (p *redratPacket) supported() bool {
	// Accept ModulatedSignal and ProntoModulatedSignal, with or without a
	// namespace prefix on the xsi:type value.
	t := p.Type
	if i := strings.LastIndex(t, ":"); i >= 0 {
		t = t[i+1:]
	}
	return t == "" || t == "ModulatedSignal" || t == "ProntoModulatedSignal"
}

// KeysetCatalogue maps device name -> key name -> waveform. It is built
// once by the decoder and never mutated afterwards; reload builds a new
// catalogue and swaps it via CatalogueHolder.
type KeysetCatalogue struct {
	devices map[string]map[string]*IRWaveform
}

// Lookup resolves a named key on a named device.
func (c *KeysetCatalogue) Lookup(device, key string) (*IRWaveform, error) {
	keys, ok := c.devices[device]
	if !ok {
		return nil, dispatchErr(KindUnknownDevice, "no keyset for device %q", device)
	}
	wf, ok := keys[key]
	if !ok {
		return nil, dispatchErr(KindUnknownKey, "device %q has no key %q", device, key)
	}
	return wf, nil
}

// ListDevices returns the device names in the catalogue.
func (c *KeysetCatalogue) ListDevices() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	return names
}

// ListKeys returns the key names for one device.
func (c *KeysetCatalogue) ListKeys(device string) ([]string, error) {
	keys, ok := c.devices[device]
	if !ok {
		return nil, dispatchErr(KindUnknownDevice, "no keyset for device %q", device)
	}
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	return names, nil
}

// KeyCount returns the total number of keys across all devices.
func (c *KeysetCatalogue) KeyCount() int {
	total := 0
	for _, keys := range c.devices {
		total += len(keys)
	}
	return total
}

// CatalogueHolder provides lock-free read access to the current catalogue
// with atomic replacement on reload. In-flight dispatches keep using the
// catalogue they resolved against.
type CatalogueHolder struct {
	current atomic.Pointer[KeysetCatalogue]
}

func NewCatalogueHolder(c *KeysetCatalogue) *CatalogueHolder {
	h := &CatalogueHolder{}
	h.current.Store(c)
	return h
}

func (h *CatalogueHolder) Get() *KeysetCatalogue {
	return h.current.Load()
}

func (h *CatalogueHolder) Swap(c *KeysetCatalogue) {
	h.current.Store(c)
}

// LoadKeyset reads and decodes a RedRat KeyManager XML file.
func LoadKeyset(path string) (*KeysetCatalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(KindBadKeyset, err, "failed to read keyset file %s", path)
	}
	return DecodeKeyset(data)
}

// DecodeKeyset decodes a RedRat KeyManager XML document into a catalogue.
func DecodeKeyset(data []byte) (*KeysetCatalogue, error) {
	var doc redratKeyManager
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, wrapErr(KindBadKeyset, err, "malformed keyset XML")
	}

	devices := doc.Devices
	if len(devices) == 0 {
		devices = doc.RootDevices
	}

	cat := &KeysetCatalogue{devices: make(map[string]map[string]*IRWaveform)}
	for _, dev := range devices {
		if dev.Name == "" {
			log.Printf("Keyset: skipping AVDevice with empty name")
			continue
		}
		if _, ok := cat.devices[dev.Name]; ok {
			log.Printf("Keyset: duplicate device %q, entries will merge with overwrite", dev.Name)
		} else {
			cat.devices[dev.Name] = make(map[string]*IRWaveform)
		}
		keys := cat.devices[dev.Name]

		for _, pkt := range dev.Packets {
			if !pkt.supported() {
				log.Printf("Keyset: %s/%s: unsupported packet type %q, skipping", dev.Name, pkt.Name, pkt.Type)
				continue
			}
			wf, err := decodePacket(&pkt)
			if err != nil {
				return nil, wrapErr(KindBadKeyset, err, "device %q key %q", dev.Name, pkt.Name)
			}
			if _, dup := keys[pkt.Name]; dup {
				log.Printf("Keyset: %s: duplicate key %q, later entry overwrites", dev.Name, pkt.Name)
			}
			keys[pkt.Name] = wf
		}
	}

	return cat, nil
}

// decodePacket converts one RedRat IRPacket into a canonical waveform.
func decodePacket(pkt *redratPacket) (*IRWaveform, error) {
	if pkt.ModulationFreq <= 0 {
		return nil, fmt.Errorf("non-positive modulation frequency %v", pkt.ModulationFreq)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(pkt.SigData))
	if err != nil {
		return nil, fmt.Errorf("invalid SigData base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("SigData has odd byte count %d", len(raw))
	}

	// SigData packs indices as (high, low) byte pairs. The high byte
	// selects toggle/double-signal variants which GC dispatch does not
	// need; only the low byte indexes Lengths.
	indices := make([]byte, 0, len(raw)/2)
	for i := 1; i < len(raw); i += 2 {
		indices = append(indices, raw[i])
	}

	segments := splitSegments(indices)
	if len(segments) == 0 || len(segments[0]) == 0 {
		return nil, fmt.Errorf("SigData contains no base segment")
	}
	if len(segments) > 2 {
		return nil, fmt.Errorf("SigData contains %d segments, at most 2 supported", len(segments))
	}

	baseMs, err := indicesToMs(segments[0], pkt.Lengths)
	if err != nil {
		return nil, err
	}
	var repeatMs []float64
	if len(segments) == 2 {
		repeatMs, err = indicesToMs(segments[1], pkt.Lengths)
		if err != nil {
			return nil, err
		}
	}

	base := quantizeCycles(baseMs, pkt.ModulationFreq)
	repeat := quantizeCycles(repeatMs, pkt.ModulationFreq)

	if len(base)%2 != 0 {
		return nil, fmt.Errorf("base segment length %d is odd", len(base))
	}
	if len(repeat)%2 != 0 {
		return nil, fmt.Errorf("repeat segment length %d is odd", len(repeat))
	}

	pause := int(math.Round(pkt.IntraSigPause * pkt.ModulationFreq / 1000.0))
	if pause < 1 {
		pause = 1
	}
	if pkt.NoRepeats < 0 {
		return nil, fmt.Errorf("negative NoRepeats %d", pkt.NoRepeats)
	}

	return &IRWaveform{
		ModulationFreqHz:    pkt.ModulationFreq,
		BaseCycles:          base,
		RepeatCycles:        repeat,
		RepeatCountDefault:  pkt.NoRepeats,
		IntraSigPauseCycles: pause,
	}, nil
}

// splitSegments splits the index stream at segment markers. The first
// segment is the base even when empty (so a leading marker is caught as
// a missing base); empty later segments from a terminating marker are
// dropped.
func splitSegments(indices []byte) [][]byte {
	segments := [][]byte{nil}
	for _, idx := range indices {
		if idx == segmentMarker {
			segments = append(segments, nil)
			continue
		}
		segments[len(segments)-1] = append(segments[len(segments)-1], idx)
	}
	out := [][]byte{segments[0]}
	for _, seg := range segments[1:] {
		if len(seg) > 0 {
			out = append(out, seg)
		}
	}
	return out
}

func indicesToMs(indices []byte, lengths []float64) ([]float64, error) {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		if int(idx) >= len(lengths) {
			return nil, fmt.Errorf("length index %d out of range (have %d lengths)", idx, len(lengths))
		}
		out[i] = lengths[idx]
	}
	return out, nil
}

// quantizeCycles converts millisecond durations to integer modulation
// cycles with error-accumulating rounding: the rounding residual carries
// into the next element so cumulative drift stays under one cycle. An
// element that rounds to zero is clamped to one cycle and the overshoot
// is charged to the residual.
func quantizeCycles(ms []float64, freqHz float64) []int {
	if len(ms) == 0 {
		return nil
	}
	out := make([]int, len(ms))
	residual := 0.0
	for i, t := range ms {
		x := t*freqHz/1000.0 + residual
		n := int(math.Round(x))
		residual = x - float64(n)
		if n < 1 {
			residual -= float64(1 - n)
			n = 1
		}
		out[i] = n
	}
	return out
}
