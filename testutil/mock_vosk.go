package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockVoskServer simulates a Vosk websocket recognition server for testing
type MockVoskServer struct {
	listener net.Listener
	server   *http.Server
	conn     *websocket.Conn
	mode     string
	mu       sync.Mutex

	// FrameReplies are sent, in order, after each binary audio frame. Once
	// exhausted an empty partial is sent.
	frameReplies []string
	// finalReply is sent after {"eof":1}.
	finalReply string

	config   map[string]interface{}
	received int
	frames   int
	gotEOF   bool
}

// Failure modes define how the mock server behaves
const (
	ModeNormal     = "normal"
	ModeError      = "error"
	ModeDisconnect = "disconnect"
	ModeGarbage    = "garbage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockVosk creates a new mock Vosk server
func NewMockVosk() *MockVoskServer {
	return &MockVoskServer{
		mode:       ModeNormal,
		finalReply: `{"text": ""}`,
	}
}

// Start begins listening on a dynamic port
func (m *MockVoskServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)

	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		_ = m.server.Serve(m.listener)
	}()
	return nil
}

// Stop shuts down the server
func (m *MockVoskServer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.server != nil {
		_ = m.server.Close()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	return nil
}

// URL returns the ws:// address of the server
func (m *MockVoskServer) URL() string {
	if m.listener == nil {
		return ""
	}
	return "ws://" + m.listener.Addr().String()
}

// SetFailureMode configures how the server responds
func (m *MockVoskServer) SetFailureMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// QueueFrameReply queues a raw JSON reply for the next audio frame
func (m *MockVoskServer) QueueFrameReply(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameReplies = append(m.frameReplies, reply)
}

// SetFinalReply sets the raw JSON reply sent after eof
func (m *MockVoskServer) SetFinalReply(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalReply = reply
}

// Config returns the config message the client sent
func (m *MockVoskServer) Config() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

// Received returns the number of audio bytes and frames received, and
// whether eof was seen
func (m *MockVoskServer) Received() (bytes, frames int, eof bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received, m.frames, m.gotEOF
}

// handleWebSocket manages one recognition session
func (m *MockVoskServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer conn.Close()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		m.mu.Lock()
		mode := m.mode
		m.mu.Unlock()

		if kind == websocket.BinaryMessage {
			if mode == ModeDisconnect {
				return
			}
			reply := m.nextFrameReply(len(data))
			switch mode {
			case ModeError:
				reply = `{"error": "recognizer failed"}`
			case ModeGarbage:
				reply = `not json`
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
			continue
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if cfg, ok := msg["config"].(map[string]interface{}); ok {
			m.mu.Lock()
			m.config = cfg
			m.mu.Unlock()
			continue
		}
		if _, ok := msg["eof"]; ok {
			m.mu.Lock()
			m.gotEOF = true
			final := m.finalReply
			m.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(final))
			continue
		}
	}
}

func (m *MockVoskServer) nextFrameReply(n int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received += n
	m.frames++
	if len(m.frameReplies) == 0 {
		return `{"partial": ""}`
	}
	reply := m.frameReplies[0]
	m.frameReplies = m.frameReplies[1:]
	return reply
}
