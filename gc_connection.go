package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a device connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
	StateDraining
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateFaulted:
		return "faulted"
	default:
		return "invalid"
	}
}

// HealthRecord is the externally visible health of one connection.
type HealthRecord struct {
	State               ConnState `json:"state"`
	LastOKAt            time.Time `json:"last_ok_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
}

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultQueryTimeout      = 5 * time.Second
	defaultHealthTimeout     = 2 * time.Second
	defaultInitialRetryDelay = 1 * time.Second
	defaultMaxRetryDelay     = 60 * time.Second
	defaultQueueDepth        = 16
	sendTimeoutSlack         = 2 * time.Second
	faultAfterTimeouts       = 3
)

type reqResult struct {
	lines []string
	err   error
}

// request is one queued command. Commands carrying an id are matched by
// id; id-less queries are matched by the expected terminal frame kind in
// FIFO order (the writer keeps at most one in flight, so FIFO is the
// submission order).
type request struct {
	ctx      context.Context
	cmd      string
	id       int
	terminal FrameKind // terminal frame for id-less queries
	collect  bool      // gather intermediate lines until terminal
	timeout  time.Duration
	done     chan reqResult
}

func (r *request) complete(lines []string, err error) {
	select {
	case r.done <- reqResult{lines: lines, err: err}:
	default:
	}
}

// Connection drives one IR port on one iTach unit over its own TCP
// socket. A writer loop serializes outbound commands (one in flight per
// port) and a reader goroutine feeds inbound frames back for
// correlation. Connection setup, tear-down and retry live in a single
// lifecycle goroutine started by Start.
type Connection struct {
	endpoint string // host:tcpport
	module   int
	port     int
	label    string

	queue   chan *request
	closing chan struct{}
	drained chan struct{}

	closeOnce sync.Once

	mu             sync.Mutex
	state          ConnState
	lastOK         time.Time
	consecFailures int
	consecTimeouts int
	lastErrKind    ErrorKind
	ids            idAllocator
	dropped        map[int]struct{}

	connectTimeout    time.Duration
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	timeoutOverride   time.Duration // replaces per-request deadlines when set

	// onStateChange, when set, observes every state transition. Used to
	// keep metrics gauges and the event stream current.
	onStateChange func(c *Connection, from, to ConnState)
}

// NewConnection creates a connection for one logical address. Start must
// be called before use.
func NewConnection(endpoint string, module, port int) *Connection {
	return &Connection{
		endpoint:          endpoint,
		module:            module,
		port:              port,
		label:             fmt.Sprintf("%d:%d@%s", module, port, endpoint),
		queue:             make(chan *request, defaultQueueDepth),
		closing:           make(chan struct{}),
		drained:           make(chan struct{}),
		state:             StateDisconnected,
		dropped:           make(map[int]struct{}),
		connectTimeout:    defaultConnectTimeout,
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
	}
}

// Label returns the "module:port@host:tcpport" identity of the connection.
func (c *Connection) Label() string { return c.label }

// Address returns the "module:port" connector address on the device.
func (c *Connection) Address() string { return fmt.Sprintf("%d:%d", c.module, c.port) }

// Start launches the lifecycle goroutine.
func (c *Connection) Start() {
	go c.run()
}

// Health returns a snapshot of the connection health record.
func (c *Connection) Health() HealthRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := HealthRecord{
		State:               c.state,
		LastOKAt:            c.lastOK,
		ConsecutiveFailures: c.consecFailures,
	}
	if c.lastErrKind != "" {
		h.LastErrorKind = string(c.lastErrKind)
	}
	return h
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(to ConnState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	hook := c.onStateChange
	c.mu.Unlock()
	if from != to {
		if DebugMode {
			log.Printf("Connection %s: %s -> %s", c.label, from, to)
		}
		if hook != nil {
			hook(c, from, to)
		}
	}
}

func (c *Connection) recordFailure(kind ErrorKind) {
	c.mu.Lock()
	c.consecFailures++
	c.lastErrKind = kind
	c.mu.Unlock()
}

func (c *Connection) recordSuccess() {
	c.mu.Lock()
	c.lastOK = time.Now()
	c.consecFailures = 0
	c.consecTimeouts = 0
	c.lastErrKind = ""
	c.mu.Unlock()
}

// SendIR transmits a waveform with the given total repeat count and
// waits for the matching completeir. Returns the request id used.
func (c *Connection) SendIR(ctx context.Context, wf *IRWaveform, repeat int) (int, error) {
	c.mu.Lock()
	id := c.ids.Next()
	c.mu.Unlock()

	timeout := sendDeadline(wf, repeat)
	req := &request{
		ctx:     ctx,
		cmd:     BuildSendIR(c.module, c.port, id, wf, repeat),
		id:      id,
		timeout: timeout,
		done:    make(chan reqResult, 1),
	}
	if err := c.submit(ctx, req); err != nil {
		return id, err
	}
	res := <-req.done
	return id, res.err
}

// sendDeadline bounds a sendir exchange: the full transmission time plus
// slack for device turnaround.
func sendDeadline(wf *IRWaveform, repeat int) time.Duration {
	ms := wf.BaseDurationMs()
	if repeat > 1 {
		ms += float64(repeat-1) * wf.RepeatDurationMs()
	}
	return time.Duration(ms)*time.Millisecond + sendTimeoutSlack
}

// StopIR cancels any ongoing transmission on the port. The device
// answers with an echoed stopir (or an ERR when nothing is in flight,
// which is not a failure here).
func (c *Connection) StopIR(ctx context.Context) error {
	req := &request{
		ctx:      ctx,
		cmd:      BuildStopIR(c.module, c.port),
		terminal: FrameStopIR,
		timeout:  defaultQueryTimeout,
		done:     make(chan reqResult, 1),
	}
	if err := c.submit(ctx, req); err != nil {
		return err
	}
	res := <-req.done
	var de *DispatchError
	if res.err != nil && asDispatchError(res.err, &de) && de.Kind == KindDeviceError {
		// stopir with no transmission in flight is a no-op
		return nil
	}
	return res.err
}

func asDispatchError(err error, target **DispatchError) bool {
	de, ok := err.(*DispatchError)
	if ok {
		*target = de
	}
	return ok
}

// Query runs an id-less informational command and returns the response
// lines. getdevices collects lines until endlistdevices; single-line
// queries return one line.
func (c *Connection) Query(ctx context.Context, cmd string, terminal FrameKind, collect bool) ([]string, error) {
	req := &request{
		ctx:      ctx,
		cmd:      cmd,
		terminal: terminal,
		collect:  collect,
		timeout:  defaultQueryTimeout,
		done:     make(chan reqResult, 1),
	}
	if err := c.submit(ctx, req); err != nil {
		return nil, err
	}
	res := <-req.done
	return res.lines, res.err
}

// Healthcheck issues getversion,0 and expects any version line promptly.
func (c *Connection) Healthcheck(ctx context.Context) error {
	req := &request{
		ctx:      ctx,
		cmd:      BuildGetVersion(),
		terminal: FrameVersion,
		timeout:  defaultHealthTimeout,
		done:     make(chan reqResult, 1),
	}
	if err := c.submit(ctx, req); err != nil {
		return err
	}
	res := <-req.done
	return res.err
}

// submit enqueues a request, applying the readiness and backpressure
// rules: a draining or down connection refuses with NotReady, a full
// queue refuses with DeviceBusy.
func (c *Connection) submit(ctx context.Context, req *request) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateReady, StateConnecting:
		// Connecting is accepted: the writer picks the request up as
		// soon as the socket is up, within the request deadline.
	default:
		return dispatchErr(KindNotReady, "connection %s is %s", c.label, state)
	}
	if c.timeoutOverride > 0 {
		req.timeout = c.timeoutOverride
	}
	select {
	case c.queue <- req:
		return nil
	default:
		return dispatchErr(KindDeviceBusy, "outbound queue full on %s", c.label)
	}
}

// Close drains the connection: no new requests are accepted, in-flight
// work completes (bounded by its own deadline), then the socket is
// released. Blocks until drained or ctx expires.
func (c *Connection) Close(ctx context.Context) error {
	c.setState(StateDraining)
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		return wrapErr(KindTimeout, ctx.Err(), "drain of %s", c.label)
	}
}

// run is the connection lifecycle: connect, serve until the link drops,
// back off, reconnect. Exits only on Close.
func (c *Connection) run() {
	defer close(c.drained)
	defer c.setState(StateDisconnected)

	delay := c.initialRetryDelay
	for {
		select {
		case <-c.closing:
			c.failQueued(dispatchErr(KindNotReady, "connection %s shutting down", c.label))
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := net.DialTimeout("tcp", c.endpoint, c.connectTimeout)
		if err != nil {
			c.recordFailure(KindLinkLost)
			c.setState(StateFaulted)
			log.Printf("Connection %s: connect failed: %v (retry in %v)", c.label, err, delay)
			if !c.sleepBackoff(delay) {
				c.failQueued(dispatchErr(KindNotReady, "connection %s shutting down", c.label))
				return
			}
			delay = nextBackoff(delay, c.maxRetryDelay)
			continue
		}

		delay = c.initialRetryDelay
		c.setState(StateReady)
		log.Printf("Connection %s: established", c.label)

		frames := make(chan frameOrErr, 8)
		go c.readLoop(conn, frames)
		err = c.serve(conn, frames)
		conn.Close()
		// Release the reader if it is blocked mid-send; it exits once
		// the closed socket fails its next read.
		go func() {
			for range frames {
			}
		}()

		select {
		case <-c.closing:
			c.failQueued(dispatchErr(KindNotReady, "connection %s shutting down", c.label))
			return
		default:
		}

		c.setState(StateFaulted)
		log.Printf("Connection %s: link lost: %v (retry in %v)", c.label, err, delay)
		if !c.sleepBackoff(delay) {
			c.failQueued(dispatchErr(KindNotReady, "connection %s shutting down", c.label))
			return
		}
		delay = nextBackoff(delay, c.maxRetryDelay)
	}
}

// sleepBackoff waits for the retry delay with +/-20% jitter. Returns
// false if the connection is closing.
func (c *Connection) sleepBackoff(delay time.Duration) bool {
	jittered := time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	select {
	case <-time.After(jittered):
		return true
	case <-c.closing:
		return false
	}
}

func nextBackoff(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

// failQueued completes every request still sitting in the queue.
func (c *Connection) failQueued(err error) {
	for {
		select {
		case req := <-c.queue:
			req.complete(nil, err)
		default:
			return
		}
	}
}

type frameOrErr struct {
	frame Frame
	err   error
}

// readLoop parses carriage-return terminated lines off the socket and
// forwards them. Exits (closing the channel) on any read error.
func (c *Connection) readLoop(conn net.Conn, frames chan<- frameOrErr) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString(wireTerminator)
		if err != nil {
			frames <- frameOrErr{err: err}
			close(frames)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		fr := ParseResponse(line)
		if DebugMode {
			log.Printf("Connection %s: << %s", c.label, line)
		}
		frames <- frameOrErr{frame: fr}
	}
}

// serve owns the socket while Ready: it pops one request at a time,
// writes it, and correlates the response. Returning tears the socket
// down; the caller decides whether to reconnect.
func (c *Connection) serve(conn net.Conn, frames <-chan frameOrErr) error {
	for {
		select {
		case <-c.closing:
			return fmt.Errorf("closing")
		case fe, ok := <-frames:
			if !ok || fe.err != nil {
				return fmt.Errorf("read: %w", fe.err)
			}
			c.handleStray(fe.frame)
		case req := <-c.queue:
			if err := c.exchange(conn, frames, req); err != nil {
				return err
			}
		}
	}
}

// exchange writes one request and waits for its response. Only fatal
// socket-level failures are returned; per-request failures complete the
// request and keep the connection up.
func (c *Connection) exchange(conn net.Conn, frames <-chan frameOrErr, req *request) error {
	if req.ctx != nil {
		select {
		case <-req.ctx.Done():
			req.complete(nil, wrapErr(KindTimeout, req.ctx.Err(), "request abandoned before write"))
			return nil
		default:
		}
	}

	if DebugMode {
		log.Printf("Connection %s: >> %s", c.label, req.cmd)
	}
	conn.SetWriteDeadline(time.Now().Add(req.timeout))
	if _, err := conn.Write([]byte(req.cmd + string(wireTerminator))); err != nil {
		c.recordFailure(KindLinkLost)
		req.complete(nil, wrapErr(KindLinkLost, err, "write to %s", c.label))
		return fmt.Errorf("write: %w", err)
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	var collected []string
	ctxDone := chanOrNil(req.ctx)
	for {
		select {
		case <-timer.C:
			c.recordFailure(KindTimeout)
			c.mu.Lock()
			c.consecTimeouts++
			timeouts := c.consecTimeouts
			if req.id != 0 {
				c.dropped[req.id] = struct{}{}
			}
			c.mu.Unlock()
			req.complete(nil, dispatchErr(KindTimeout, "no response from %s within %v", c.label, req.timeout))
			if timeouts >= faultAfterTimeouts {
				return fmt.Errorf("%d consecutive timeouts", timeouts)
			}
			return nil

		case <-ctxDone:
			// Caller abandoned the press: best-effort stopir, then drop
			// any late frames for this id.
			if req.id != 0 {
				c.mu.Lock()
				c.dropped[req.id] = struct{}{}
				c.mu.Unlock()
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if _, err := conn.Write([]byte(BuildStopIR(c.module, c.port) + string(wireTerminator))); err != nil {
					req.complete(nil, wrapErr(KindTimeout, req.ctx.Err(), "request cancelled"))
					return fmt.Errorf("write stopir: %w", err)
				}
			}
			req.complete(nil, wrapErr(KindTimeout, req.ctx.Err(), "request cancelled"))
			return nil

		case fe, ok := <-frames:
			if !ok || fe.err != nil {
				c.recordFailure(KindLinkLost)
				req.complete(nil, wrapErr(KindLinkLost, fe.err, "link to %s lost", c.label))
				return fmt.Errorf("read: %w", fe.err)
			}
			fr := fe.frame

			if req.id != 0 {
				switch {
				case fr.Kind == FrameCompleteIR && fr.ID == req.id:
					c.recordSuccess()
					req.complete([]string{fr.Raw}, nil)
					return nil
				case fr.Kind == FrameBusyIR && fr.ID == req.id:
					// Port still playing the previous transmission; the
					// completeir for our id follows once it finishes.
					// Retriable, not a failure.
					if DebugMode {
						log.Printf("Connection %s: port busy, id %d deferred", c.label, req.id)
					}
					continue
				case fr.Kind == FrameError:
					c.recordFailure(KindDeviceError)
					req.complete([]string{fr.Raw}, deviceErr(fr.Code, "device %s rejected request %d", c.label, req.id))
					return nil
				default:
					c.handleStray(fr)
					continue
				}
			}

			// id-less query: match the terminal frame kind in FIFO order.
			switch {
			case fr.Kind == req.terminal:
				c.recordSuccess()
				collected = append(collected, fr.Raw)
				req.complete(collected, nil)
				return nil
			case fr.Kind == FrameError:
				c.recordFailure(KindDeviceError)
				req.complete(nil, deviceErr(fr.Code, "device %s rejected query", c.label))
				return nil
			case req.collect:
				collected = append(collected, fr.Raw)
			default:
				c.handleStray(fr)
			}
		}
	}
}

func chanOrNil(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

// handleStray deals with frames arriving outside a request exchange:
// late completions for dropped ids are discarded silently, anything
// else is logged once.
func (c *Connection) handleStray(fr Frame) {
	if fr.Kind == FrameCompleteIR || fr.Kind == FrameBusyIR {
		c.mu.Lock()
		_, wasDropped := c.dropped[fr.ID]
		if wasDropped && fr.Kind == FrameCompleteIR {
			delete(c.dropped, fr.ID)
		}
		c.mu.Unlock()
		if wasDropped {
			if DebugMode {
				log.Printf("Connection %s: dropping late %s for abandoned id %d", c.label, fr.Kind, fr.ID)
			}
			return
		}
	}
	log.Printf("Connection %s: unexpected frame %q", c.label, fr.Raw)
}
