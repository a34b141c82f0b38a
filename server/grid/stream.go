package grid

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/pluginapi"

	"github.com/mattermost/mattermost-plugin-sectorwatch/server/report"
)

const (
	// streamHandshakeTimeout bounds the websocket dial.
	streamHandshakeTimeout = 15 * time.Second

	// streamMinBackoff and streamMaxBackoff bound the reconnect delay.
	streamMinBackoff = 1 * time.Second
	streamMaxBackoff = 30 * time.Second

	// reportsTopic is the firehose of report inserts.
	reportsTopic = "reports"

	// commentsTopicPrefix scopes a comment subscription to one report.
	commentsTopicPrefix = "comments:"
)

// streamEnvelope is one frame delivered by the grid's realtime channel.
// Delivery is at-least-once; deduplication is the subscriber's job.
type streamEnvelope struct {
	Topic   string       `json:"topic"`
	Event   string       `json:"event"`
	Report  *wireReport  `json:"report,omitempty"`
	Comment *wireComment `json:"comment,omitempty"`
}

// subscribeFrame is sent by the client to open or close a topic.
type subscribeFrame struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Topic  string `json:"topic"`
}

// Stream maintains the realtime websocket connection to the grid. It
// reconnects with backoff after transport errors and replays the active
// topic set on every new connection; the scheduled poll is the backstop for
// anything missed while disconnected.
type Stream struct {
	baseURL string
	tokens  TokenSource
	logger  pluginapi.LogService
	dialer  *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(streamEnvelope)
	running  bool

	stop chan struct{}
	done chan struct{}
}

// NewStream creates a realtime stream client for the grid at baseURL.
func NewStream(baseURL string, tokens TokenSource, logger pluginapi.LogService) *Stream {
	return &Stream{
		baseURL: baseURL,
		tokens:  tokens,
		logger:  logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout: streamHandshakeTimeout,
		},
		handlers: make(map[string]func(streamEnvelope)),
	}
}

// Start opens the connection loop. Safe to call once per session.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("stream already running")
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.connectLoop()
	return nil
}

// Stop closes the connection and waits for the loop to exit. All
// subscriptions are released.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
}

// SubscribeReports registers a handler for realtime report inserts and
// returns a function releasing the subscription.
func (s *Stream) SubscribeReports(onInsert func(report.Report)) func() {
	return s.subscribe(reportsTopic, func(env streamEnvelope) {
		if env.Report == nil {
			return
		}
		onInsert(env.Report.toReport())
	})
}

// SubscribeComments registers a handler for realtime comment inserts on one
// report and returns a function releasing the subscription.
func (s *Stream) SubscribeComments(reportID string, onInsert func(report.Comment)) func() {
	return s.subscribe(commentsTopicPrefix+reportID, func(env streamEnvelope) {
		if env.Comment == nil {
			return
		}
		onInsert(env.Comment.toComment())
	})
}

// subscribe installs the handler and, when connected, tells the grid to
// start delivering the topic.
func (s *Stream) subscribe(topic string, handler func(streamEnvelope)) func() {
	s.mu.Lock()
	s.handlers[topic] = handler
	if s.conn != nil {
		s.sendFrameLocked(subscribeFrame{Action: "subscribe", Topic: topic})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.handlers[topic]; !exists {
			return
		}
		delete(s.handlers, topic)
		if s.conn != nil {
			s.sendFrameLocked(subscribeFrame{Action: "unsubscribe", Topic: topic})
		}
	}
}

// connectLoop dials, resubscribes, and reads until stopped, backing off
// between attempts.
func (s *Stream) connectLoop() {
	defer close(s.done)

	backoff := streamMinBackoff

	for {
		conn, err := s.dial()
		if err != nil {
			s.logger.Warn("Realtime connection failed", "error", err.Error(), "retryIn", backoff.String())
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		for topic := range s.handlers {
			s.sendFrameLocked(subscribeFrame{Action: "subscribe", Topic: topic})
		}
		s.mu.Unlock()

		s.logger.Info("Realtime channel connected")
		backoff = streamMinBackoff

		s.readUntilError(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		default:
			s.logger.Warn("Realtime channel dropped, reconnecting")
		}
	}
}

// dial opens the websocket endpoint using a fresh session token.
func (s *Stream) dial() (*websocket.Conn, error) {
	token, err := s.tokens.GetValidToken()
	if err != nil {
		return nil, fmt.Errorf("failed to get session token: %w", err)
	}

	wsURL := websocketURL(s.baseURL) + "/realtime/v1/stream?token=" + token
	conn, _, err := s.dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return conn, nil
}

// readUntilError pumps frames to the registered handlers until the
// connection breaks.
func (s *Stream) readUntilError(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}

		var env streamEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Discarding malformed realtime frame", "error", err.Error())
			continue
		}

		if env.Event != "insert" {
			continue
		}

		s.mu.Lock()
		handler := s.handlers[env.Topic]
		s.mu.Unlock()

		if handler != nil {
			handler(env)
		}
	}
}

// sendFrameLocked writes a control frame. Callers hold s.mu, which also
// serializes writers on the connection.
func (s *Stream) sendFrameLocked(frame subscribeFrame) {
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn("Failed to send subscription frame", "topic", frame.Topic, "error", err.Error())
	}
}

// websocketURL converts the grid's https base URL to its wss equivalent.
func websocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// nextBackoff doubles the delay up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > streamMaxBackoff {
		return streamMaxBackoff
	}
	return next
}
