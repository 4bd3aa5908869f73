package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Global Cache Unified TCP protocol framing. All commands and responses
// are ASCII lines terminated by a carriage return (0x0D).

const wireTerminator = '\r'

// FrameKind classifies an inbound line from an iTach unit.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameCompleteIR
	FrameBusyIR
	FrameError
	FrameDevice
	FrameEndListDevices
	FrameVersion
	FrameStopIR
	FrameIRLearner
)

func (k FrameKind) String() string {
	switch k {
	case FrameCompleteIR:
		return "completeir"
	case FrameBusyIR:
		return "busyIR"
	case FrameError:
		return "ERR"
	case FrameDevice:
		return "device"
	case FrameEndListDevices:
		return "endlistdevices"
	case FrameVersion:
		return "version"
	case FrameStopIR:
		return "stopir"
	case FrameIRLearner:
		return "IRlearner"
	default:
		return "unknown"
	}
}

// Frame is one parsed response line.
type Frame struct {
	Kind   FrameKind
	Module int
	Port   int
	ID     int
	Code   int    // device error code for FrameError
	Raw    string // original line without terminator
}

// BuildSendIR formats a sendir command for the given waveform. The
// durations list is base, intra-signal pause, repeat, flattened; when a
// repeat segment exists the replay offset points at its first cycle,
// otherwise the whole list replays from the start.
func BuildSendIR(module, port, id int, wf *IRWaveform, repeat int) string {
	freq := int(math.Round(wf.ModulationFreqHz))

	var sb strings.Builder
	fmt.Fprintf(&sb, "sendir,%d:%d,%d,%d,%d,", module, port, id, freq, repeat)

	offset := 1
	if len(wf.RepeatCycles) > 0 {
		offset = len(wf.BaseCycles) + 1
	}
	sb.WriteString(strconv.Itoa(offset))

	for _, c := range wf.BaseCycles {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(c))
	}
	if len(wf.RepeatCycles) > 0 {
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(wf.IntraSigPauseCycles))
		for _, c := range wf.RepeatCycles {
			sb.WriteByte(',')
			sb.WriteString(strconv.Itoa(c))
		}
	}
	return sb.String()
}

// SendIRFields holds the decomposed fields of a sendir line.
type SendIRFields struct {
	Module int
	Port   int
	ID     int
	Freq   int
	Repeat int
	Offset int
	Cycles []int
}

// ParseSendIR decomposes a sendir command line (without terminator).
func ParseSendIR(line string) (*SendIRFields, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 7 || parts[0] != "sendir" {
		return nil, fmt.Errorf("not a sendir line: %q", line)
	}
	module, port, err := parseConnAddr(parts[1])
	if err != nil {
		return nil, err
	}
	f := &SendIRFields{Module: module, Port: port}
	for i, dst := range []*int{&f.ID, &f.Freq, &f.Repeat, &f.Offset} {
		v, err := strconv.Atoi(parts[2+i])
		if err != nil {
			return nil, fmt.Errorf("bad sendir field %q: %w", parts[2+i], err)
		}
		*dst = v
	}
	f.Cycles = make([]int, 0, len(parts)-6)
	for _, p := range parts[6:] {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad sendir duration %q: %w", p, err)
		}
		f.Cycles = append(f.Cycles, v)
	}
	return f, nil
}

// BuildStopIR formats a stopir command cancelling ongoing repeats.
func BuildStopIR(module, port int) string {
	return fmt.Sprintf("stopir,%d:%d", module, port)
}

// BuildGetDevices formats the device enumeration query.
func BuildGetDevices() string {
	return "getdevices"
}

// BuildGetIRL formats the IR-learner query.
func BuildGetIRL() string {
	return "get_IRL"
}

// BuildGetVersion formats the version query used by health checks.
func BuildGetVersion() string {
	return "getversion,0"
}

// ParseResponse classifies one inbound line (terminator already removed).
func ParseResponse(line string) Frame {
	fr := Frame{Kind: FrameUnknown, Raw: line}
	switch {
	case strings.HasPrefix(line, "completeir,"):
		if m, p, id, ok := parseAddrID(line[len("completeir,"):]); ok {
			fr.Kind = FrameCompleteIR
			fr.Module, fr.Port, fr.ID = m, p, id
		}
	case strings.HasPrefix(line, "busyIR,"):
		if m, p, id, ok := parseAddrID(line[len("busyIR,"):]); ok {
			fr.Kind = FrameBusyIR
			fr.Module, fr.Port, fr.ID = m, p, id
		}
	case strings.HasPrefix(line, "stopir,"):
		if m, p, err := parseConnAddr(line[len("stopir,"):]); err == nil {
			fr.Kind = FrameStopIR
			fr.Module, fr.Port = m, p
		}
	case strings.HasPrefix(line, "ERR"):
		fr.Kind = FrameError
		fr.Module, fr.Port, fr.Code = parseErrLine(line)
	case strings.HasPrefix(line, "device,"):
		fr.Kind = FrameDevice
		parts := strings.SplitN(line, ",", 3)
		if len(parts) >= 2 {
			fr.Module, _ = strconv.Atoi(parts[1])
		}
	case line == "endlistdevices":
		fr.Kind = FrameEndListDevices
	case strings.HasPrefix(line, "version,") || strings.HasPrefix(line, "710-"):
		// "version,<text>" on newer firmware, a bare part number string
		// ("710-1001-05") on older units.
		fr.Kind = FrameVersion
	case line == "IR Learner Enabled" || line == "IR Learner Disabled":
		fr.Kind = FrameIRLearner
	}
	return fr
}

// parseErrLine handles the three error shapes the devices emit:
// "ERR_<module>:<port>,<code>", "ERR_<code>" and "ERR <code>".
func parseErrLine(line string) (module, port, code int) {
	rest := strings.TrimPrefix(line, "ERR")
	rest = strings.TrimLeft(rest, "_ ")
	if i := strings.IndexByte(rest, ','); i >= 0 {
		if m, p, err := parseConnAddr(rest[:i]); err == nil {
			module, port = m, p
		}
		rest = rest[i+1:]
	}
	code, _ = strconv.Atoi(strings.TrimSpace(rest))
	return module, port, code
}

func parseAddrID(s string) (module, port, id int, ok bool) {
	i := strings.IndexByte(s, ',')
	if i < 0 {
		return 0, 0, 0, false
	}
	module, port, err := parseConnAddr(s[:i])
	if err != nil {
		return 0, 0, 0, false
	}
	id, err = strconv.Atoi(strings.TrimSpace(s[i+1:]))
	if err != nil {
		return 0, 0, 0, false
	}
	return module, port, id, true
}

func parseConnAddr(s string) (module, port int, err error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, 0, fmt.Errorf("bad connector address %q", s)
	}
	module, err = strconv.Atoi(s[:i])
	if err != nil {
		return 0, 0, fmt.Errorf("bad module in %q: %w", s, err)
	}
	port, err = strconv.Atoi(s[i+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return module, port, nil
}

// idAllocator hands out per-connection request ids in 1..65535, skipping
// zero. Ids are unique over any window shorter than the full wrap.
type idAllocator struct {
	next int
}

func (a *idAllocator) Next() int {
	a.next++
	if a.next > 65535 {
		a.next = 1
	}
	return a.next
}
