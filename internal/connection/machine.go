package connection

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentfeed/internal/logging"
	"agentfeed/internal/metrics"
	"agentfeed/internal/transport"
	"agentfeed/internal/types"
)

var (
	ErrInvalidURL       = errors.New("invalid stream url")
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
	ErrClosed           = errors.New("connection machine closed")

	errHeartbeat = errors.New("transport not open during heartbeat")
)

const (
	defaultHeartbeat   = 5 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 10 * time.Second
	defaultMaxRetries  = 5
	commandQueueSize   = 512
)

const (
	triggerError      = "error"
	triggerClose      = "close"
	triggerHeartbeat  = "heartbeat"
	triggerForeground = "foreground"
)

type Config struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int

	Headers transport.HeaderProvider
	Logger  logging.Logger
	Metrics *metrics.Pipeline

	// OnStateChange and OnMessage run on the machine's loop goroutine, one
	// at a time. They must not call back into the machine synchronously.
	OnStateChange func(newState, oldState types.ConnectionState)
	OnMessage     func(raw string)
}

// Machine owns the lifecycle of the live stream. Every public call and every
// transport callback is funneled through a single command queue drained by
// one goroutine, so reconnect triggers cannot race each other.
type Machine struct {
	dialer  transport.Dialer
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Pipeline

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	state   atomic.Value
	errMu   sync.Mutex
	lastErr error

	// loop-owned
	current    types.ConnectionState
	url        string
	stream     transport.Stream
	generation uint64
	retries    int
	timer      *time.Timer
	timerSeq   uint64
}

func New(dialer transport.Dialer, cfg Config) *Machine {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(cfg.BackoffBase, defaultBackoffMax)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		dialer:  dialer,
		cfg:     cfg,
		logger:  logger.With(logging.F("component", "connection")),
		metrics: cfg.Metrics,
		cmds:    make(chan func(), commandQueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		current: types.ConnectionIdle,
	}
	m.state.Store(types.ConnectionIdle)
	go m.loop()
	return m
}

// ValidateURL accepts absolute http and https urls with a host.
func ValidateURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed, nil
}

func (m *Machine) State() types.ConnectionState {
	return m.state.Load().(types.ConnectionState)
}

// Err returns the terminal error once the machine is failed, nil otherwise.
func (m *Machine) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

func (m *Machine) Connect(rawURL string) error {
	parsed, err := ValidateURL(rawURL)
	if err != nil {
		return err
	}
	return m.do(func() { m.connect(parsed.String()) })
}

// Disconnect closes the stream and returns to idle from any state.
func (m *Machine) Disconnect() {
	_ = m.do(m.disconnect)
}

// Foreground reports that the host application came back to the foreground.
// A pending backoff is skipped, and a failed machine with a known url tries
// again, since the likely cause was a network change rather than the server.
func (m *Machine) Foreground() {
	_ = m.do(m.foreground)
}

func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		_ = m.do(m.disconnect)
		close(m.done)
		m.cancel()
	})
}

func (m *Machine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.cmds <- func() { fn(); close(finished) }:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

func (m *Machine) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func (m *Machine) loop() {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-ticker.C:
			m.heartbeat()
		case <-m.done:
			m.stopTimer()
			m.closeStream()
			return
		}
	}
}

func (m *Machine) connect(target string) {
	m.stopTimer()
	m.closeStream()
	m.url = target
	m.retries = 0
	m.setErr(nil)
	m.setState(types.ConnectionConnecting)
	m.dial()
}

func (m *Machine) disconnect() {
	m.stopTimer()
	m.closeStream()
	m.retries = 0
	m.setState(types.ConnectionIdle)
}

func (m *Machine) foreground() {
	switch m.current {
	case types.ConnectionReconnecting:
		if m.timer == nil {
			// a dial is already in flight
			return
		}
		m.stopTimer()
		m.metrics.Reconnect(triggerForeground)
		m.logger.Info("foreground reconnect", logging.F("after_attempts", m.retries))
		m.retries = 0
		m.dial()
	case types.ConnectionFailed:
		if m.url == "" {
			return
		}
		m.retries = 0
		m.setErr(nil)
		m.metrics.Reconnect(triggerForeground)
		m.setState(types.ConnectionReconnecting)
		m.dial()
	}
}

func (m *Machine) dial() {
	m.generation++
	gen := m.generation
	handler := transport.Handler{
		OnOpen:    func() { m.post(func() { m.handleOpen(gen) }) },
		OnMessage: func(data string) { m.post(func() { m.handleMessage(gen, data) }) },
		OnError:   func(err error) { m.post(func() { m.handleFailure(gen, triggerError, err) }) },
		OnClose: func() {
			m.post(func() { m.handleFailure(gen, triggerClose, transport.ErrStreamEnded) })
		},
	}
	var headers map[string]string
	if m.cfg.Headers != nil {
		headers = m.cfg.Headers.Headers()
	}
	stream, err := m.dialer.Dial(m.ctx, m.url, headers, handler)
	if err != nil {
		m.handleFailure(gen, triggerError, err)
		return
	}
	m.stream = stream
}

func (m *Machine) handleOpen(gen uint64) {
	if gen != m.generation {
		return
	}
	switch m.current {
	case types.ConnectionConnecting, types.ConnectionReconnecting:
	default:
		return
	}
	m.retries = 0
	m.setState(types.ConnectionConnected)
}

func (m *Machine) handleMessage(gen uint64, data string) {
	if gen != m.generation || m.current != types.ConnectionConnected {
		return
	}
	if m.cfg.OnMessage != nil {
		m.cfg.OnMessage(data)
	}
}

func (m *Machine) handleFailure(gen uint64, trigger string, err error) {
	if gen != m.generation {
		return
	}
	m.logger.Warn("stream failure", logging.F("trigger", trigger), logging.F("state", m.current), logging.Err(err))
	m.requestReconnect(trigger, err)
}

func (m *Machine) heartbeat() {
	if m.current != types.ConnectionConnected || m.stream == nil {
		return
	}
	if m.stream.ReadyState() == transport.StateOpen {
		return
	}
	m.logger.Warn("heartbeat found stream not open", logging.F("ready_state", m.stream.ReadyState()))
	m.requestReconnect(triggerHeartbeat, errHeartbeat)
}

// requestReconnect is the only path that schedules a reconnect.
func (m *Machine) requestReconnect(trigger string, cause error) {
	switch m.current {
	case types.ConnectionConnecting, types.ConnectionConnected, types.ConnectionReconnecting:
	default:
		return
	}
	if m.timer != nil {
		return
	}
	m.closeStream()
	m.retries++
	m.metrics.Reconnect(trigger)
	if m.retries >= m.cfg.MaxRetries {
		m.setErr(fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, m.retries, cause))
		m.setState(types.ConnectionFailed)
		return
	}
	m.setState(types.ConnectionReconnecting)
	delay := m.backoff(m.retries)
	m.timerSeq++
	seq := m.timerSeq
	m.timer = time.AfterFunc(delay, func() {
		m.post(func() { m.fireReconnect(seq) })
	})
	m.logger.Info("reconnect scheduled", logging.F("attempt", m.retries), logging.F("delay", delay))
}

func (m *Machine) fireReconnect(seq uint64) {
	if seq != m.timerSeq || m.timer == nil {
		return
	}
	m.timer = nil
	if m.current != types.ConnectionReconnecting {
		return
	}
	m.dial()
}

func (m *Machine) backoff(attempt int) time.Duration {
	delay := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	return min(delay, m.cfg.BackoffMax)
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

func (m *Machine) closeStream() {
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	// Events still queued from the old stream carry a stale generation.
	m.generation++
}

func (m *Machine) setErr(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

func (m *Machine) setState(next types.ConnectionState) {
	prev := m.current
	if prev == next {
		return
	}
	m.current = next
	m.state.Store(next)
	m.metrics.Transition(next.String())
	m.logger.Debug("state change", logging.F("from", prev), logging.F("to", next))
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next, prev)
	}
}
