package main

import (
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func keysetXML(deviceName string, packets ...string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<KeyManager xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <AVDeviceDB>
    <AVDevices>
      <AVDevice>
        <Name>%s</Name>
        <Signals>%s</Signals>
      </AVDevice>
    </AVDevices>
  </AVDeviceDB>
</KeyManager>`, deviceName, strings.Join(packets, "\n")))
}

func packetXML(name, sigType string, freq float64, pause float64, repeats int, lengths []float64, sig []byte) string {
	var lens strings.Builder
	for _, l := range lengths {
		fmt.Fprintf(&lens, "<double>%g</double>", l)
	}
	return fmt.Sprintf(`<IRPacket xsi:type="%s">
  <Name>%s</Name>
  <UID>dGVzdA==</UID>
  <ModulationFreq>%g</ModulationFreq>
  <Lengths>%s</Lengths>
  <SigData>%s</SigData>
  <NoRepeats>%d</NoRepeats>
  <IntraSigPause>%g</IntraSigPause>
</IRPacket>`, sigType, name, freq, lens.String(), base64.StdEncoding.EncodeToString(sig), repeats, pause)
}

// The reference packet: two length bins, a two-element base and a
// two-element repeat separated by segment markers.
func referencePacket(name string) string {
	sig := []byte{0, 0, 0, 1, 0, 0x7F, 0, 1, 0, 0, 0, 0x7F}
	return packetXML(name, "ModulatedSignal", 40000, 5.0, 1, []float64{0.25, 1.0}, sig)
}

func TestDecodeReferencePacket(t *testing.T) {
	cat, err := DecodeKeyset(keysetXML("STB", referencePacket("POWER")))
	require.NoError(t, err)

	wf, err := cat.Lookup("STB", "POWER")
	require.NoError(t, err)

	assert.Equal(t, []int{10, 40}, wf.BaseCycles)
	assert.Equal(t, []int{40, 10}, wf.RepeatCycles)
	assert.Equal(t, 200, wf.IntraSigPauseCycles)
	assert.Equal(t, 1, wf.RepeatCountDefault)
	assert.Equal(t, 40000.0, wf.ModulationFreqHz)

	assert.InDelta(t, 1.25, wf.BaseDurationMs(), 1e-9)
	assert.InDelta(t, 6.25, wf.RepeatDurationMs(), 1e-9) // 40+10 cycles plus 200 pause
}

func TestDecodeBaseOnlyPacket(t *testing.T) {
	sig := []byte{0, 0, 0, 1, 0, 0, 0, 1}
	xml := keysetXML("STB", packetXML("MUTE", "ProntoModulatedSignal", 38000, 10, 0, []float64{0.3, 0.6}, sig))

	cat, err := DecodeKeyset(xml)
	require.NoError(t, err)

	wf, err := cat.Lookup("STB", "MUTE")
	require.NoError(t, err)
	assert.Len(t, wf.BaseCycles, 4)
	assert.Empty(t, wf.RepeatCycles)
	assert.Zero(t, wf.RepeatDurationMs())
}

func TestDecodeSkipsUnsupportedPacketTypes(t *testing.T) {
	sig := []byte{0, 0, 0, 1}
	xml := keysetXML("STB",
		packetXML("IGNORED", "FlashCodeSignal", 38000, 10, 0, []float64{0.3, 0.6}, sig),
		referencePacket("POWER"),
	)

	cat, err := DecodeKeyset(xml)
	require.NoError(t, err)

	_, err = cat.Lookup("STB", "IGNORED")
	assert.Equal(t, KindUnknownKey, ErrKindOf(err))
	_, err = cat.Lookup("STB", "POWER")
	assert.NoError(t, err)
}

func TestDecodeDuplicateKeyOverwrites(t *testing.T) {
	first := packetXML("POWER", "ModulatedSignal", 40000, 5, 0, []float64{0.25, 1.0}, []byte{0, 0, 0, 1})
	xml := keysetXML("STB", first, referencePacket("POWER"))

	cat, err := DecodeKeyset(xml)
	require.NoError(t, err)

	wf, err := cat.Lookup("STB", "POWER")
	require.NoError(t, err)
	// Later entry wins: it has a repeat segment, the first does not.
	assert.NotEmpty(t, wf.RepeatCycles)
}

func TestDecodeErrors(t *testing.T) {
	t.Run("malformed xml", func(t *testing.T) {
		_, err := DecodeKeyset([]byte("<KeyManager"))
		assert.Equal(t, KindBadKeyset, ErrKindOf(err))
	})

	t.Run("bad base64", func(t *testing.T) {
		xml := keysetXML("STB", strings.Replace(referencePacket("POWER"),
			"<SigData>", "<SigData>!!!", 1))
		_, err := DecodeKeyset(xml)
		assert.Equal(t, KindBadKeyset, ErrKindOf(err))
	})

	t.Run("index out of range names the key", func(t *testing.T) {
		sig := []byte{0, 0, 0, 9} // only two length bins exist
		xml := keysetXML("STB", packetXML("UP", "ModulatedSignal", 40000, 5, 0, []float64{0.25, 1.0}, sig))
		_, err := DecodeKeyset(xml)
		require.Error(t, err)
		assert.Equal(t, KindBadKeyset, ErrKindOf(err))
		assert.Contains(t, err.Error(), "UP")
	})

	t.Run("leading marker means no base segment", func(t *testing.T) {
		sig := []byte{0, 0x7F, 0, 1, 0, 0}
		xml := keysetXML("STB", packetXML("UP", "ModulatedSignal", 40000, 5, 0, []float64{0.25, 1.0}, sig))
		_, err := DecodeKeyset(xml)
		assert.Equal(t, KindBadKeyset, ErrKindOf(err))
	})

	t.Run("odd segment length", func(t *testing.T) {
		sig := []byte{0, 0, 0, 1, 0, 0}
		xml := keysetXML("STB", packetXML("UP", "ModulatedSignal", 40000, 5, 0, []float64{0.25, 1.0}, sig))
		_, err := DecodeKeyset(xml)
		assert.Equal(t, KindBadKeyset, ErrKindOf(err))
	})
}

func TestCatalogueLookupErrors(t *testing.T) {
	cat, err := DecodeKeyset(keysetXML("STB", referencePacket("POWER")))
	require.NoError(t, err)

	_, err = cat.Lookup("VCR", "POWER")
	assert.Equal(t, KindUnknownDevice, ErrKindOf(err))

	_, err = cat.Lookup("STB", "EJECT")
	assert.Equal(t, KindUnknownKey, ErrKindOf(err))

	keys, err := cat.ListKeys("STB")
	require.NoError(t, err)
	assert.Equal(t, []string{"POWER"}, keys)
}

func TestCatalogueHolderSwap(t *testing.T) {
	first, err := DecodeKeyset(keysetXML("STB", referencePacket("POWER")))
	require.NoError(t, err)
	second, err := DecodeKeyset(keysetXML("TV", referencePacket("POWER")))
	require.NoError(t, err)

	holder := NewCatalogueHolder(first)
	old := holder.Get()
	holder.Swap(second)

	// The old reference keeps serving in-flight lookups.
	_, err = old.Lookup("STB", "POWER")
	assert.NoError(t, err)
	_, err = holder.Get().Lookup("TV", "POWER")
	assert.NoError(t, err)
}

// Quantization drifts less than one carrier cycle over any sequence.
func TestQuantizationFidelity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		freq := rapid.Float64Range(36000, 40000).Draw(t, "freq")
		n := rapid.IntRange(1, 200).Draw(t, "n")
		ms := make([]float64, n)
		totalMs := 0.0
		for i := range ms {
			ms[i] = rapid.Float64Range(0.01, 12.0).Draw(t, "dur")
			totalMs += ms[i]
		}

		cycles := quantizeCycles(ms, freq)
		require.Len(t, cycles, n)

		totalCycles := 0
		for _, c := range cycles {
			require.GreaterOrEqual(t, c, 1)
			totalCycles += c
		}

		gotMs := float64(totalCycles) / freq * 1000.0
		cycleMs := 1.0 / freq * 1000.0
		// Clamping sub-cycle elements up to one cycle adds real
		// duration; everything else stays within one cycle of truth.
		clampSlack := 0.0
		for _, d := range ms {
			if d*freq/1000.0 < 1.0 {
				clampSlack += cycleMs
			}
		}
		assert.Less(t, math.Abs(gotMs-totalMs), cycleMs+clampSlack)
	})
}

func TestQuantizeAccumulatesResidual(t *testing.T) {
	// Each element is 10.5 cycles; naive rounding would drift by half a
	// cycle per element, the accumulator alternates 10/11.
	freq := 40000.0
	ms := []float64{0.2625, 0.2625, 0.2625, 0.2625}
	cycles := quantizeCycles(ms, freq)
	assert.Equal(t, 42, sumInts(cycles))
}

func TestQuantizeClampsZeroElements(t *testing.T) {
	freq := 40000.0
	// 0.004 ms is 0.16 cycles: rounds to zero, must clamp to one.
	cycles := quantizeCycles([]float64{0.004, 1.0}, freq)
	assert.Equal(t, 1, cycles[0])
	// The overshoot is charged to the next element: 40 - 1 = 39 plus
	// the genuine 0.16 rounds to 39.
	assert.Equal(t, 39, cycles[1])
}
