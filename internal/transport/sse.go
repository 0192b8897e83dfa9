package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"agentfeed/internal/logging"
)

type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Handler receives the lifecycle of one stream. Exactly one of OnError or
// OnClose ends a stream that was not closed locally.
type Handler struct {
	OnOpen    func()
	OnMessage func(data string)
	OnError   func(err error)
	OnClose   func()
}

type Stream interface {
	ReadyState() ReadyState
	Close()
}

type Dialer interface {
	Dial(ctx context.Context, url string, headers map[string]string, handler Handler) (Stream, error)
}

var ErrStreamEnded = errors.New("event stream ended")

const (
	maxEventSize     = 4 * 1024 * 1024
	initialScanBytes = 64 * 1024
)

type EventSourceOptions struct {
	Client *http.Client
	Logger logging.Logger
	Debug  bool
}

// EventSource dials text/event-stream endpoints.
type EventSource struct {
	client *http.Client
	logger logging.Logger
	debug  bool
}

func NewEventSource(opts EventSourceOptions) *EventSource {
	client := opts.Client
	if client == nil {
		// Streams are long lived; a client-wide timeout would cut them.
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &EventSource{client: client, logger: logger, debug: opts.Debug}
}

func (e *EventSource) Dial(ctx context.Context, url string, headers map[string]string, handler Handler) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	s := &eventStream{cancel: cancel}
	s.state.Store(int32(StateConnecting))
	go s.run(e, req, handler)
	return s, nil
}

type eventStream struct {
	state  atomic.Int32
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

func (s *eventStream) ReadyState() ReadyState {
	return ReadyState(s.state.Load())
}

func (s *eventStream) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.state.Store(int32(StateClosed))
		s.cancel()
	})
}

func (s *eventStream) run(e *EventSource, req *http.Request, handler Handler) {
	defer s.cancel()
	logger := e.logger.With(logging.F("url", req.URL.Redacted()))

	resp, err := e.client.Do(req)
	if err != nil {
		s.fail(handler, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.fail(handler, &RequestError{
			Method:     http.MethodGet,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
		})
		return
	}
	if s.closed.Load() {
		return
	}
	s.state.Store(int32(StateOpen))
	if e.debug {
		logger.Debug("stream open", logging.F("status", resp.StatusCode))
	}
	if handler.OnOpen != nil {
		handler.OnOpen()
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, initialScanBytes), maxEventSize)
	dataLines := make([]string, 0, 8)
	dispatch := func() {
		if len(dataLines) == 0 {
			return
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if s.closed.Load() {
			return
		}
		count++
		if e.debug {
			logger.Debug("stream frame", logging.F("n", count), logging.F("data", payload))
		}
		if handler.OnMessage != nil {
			handler.OnMessage(payload)
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
			dispatch()
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	dispatch()

	if s.closed.Load() {
		return
	}
	if err := scanner.Err(); err != nil {
		s.fail(handler, err)
		return
	}
	s.state.Store(int32(StateClosed))
	if e.debug {
		logger.Debug("stream closed by server", logging.F("frames", count))
	}
	if handler.OnClose != nil {
		handler.OnClose()
	}
}

func (s *eventStream) fail(handler Handler, err error) {
	if s.closed.Load() {
		return
	}
	s.state.Store(int32(StateClosed))
	if handler.OnError != nil {
		handler.OnError(err)
	}
}
