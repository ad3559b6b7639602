package events

import (
	"errors"
	"sync"
	"time"
)

// MockConnection is an in-memory Connection for exercising the client
// pumps without a real socket. Reads are fed through AddReadMessage;
// writes are captured unless WriteMessageFunc overrides them.
type MockConnection struct {
	mu sync.Mutex

	WriteMessageFunc func(messageType int, data []byte) error
	WrittenMessages  []MockMessage

	ReadMessages []MockMessage
	ReadIndex    int

	Closed bool

	ReadDeadline  time.Time
	WriteDeadline time.Time
	PongHandler   func(string) error
	RemoteAddress string
	ReadLimit     int64
}

// MockMessage is one frame on the mock connection.
type MockMessage struct {
	Type int
	Data []byte
	Err  error
}

func NewMockConnection() *MockConnection {
	return &MockConnection{RemoteAddress: "127.0.0.1:8080"}
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return errors.New("connection closed")
	}
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	m.WrittenMessages = append(m.WrittenMessages, MockMessage{Type: messageType, Data: data})
	return nil
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return 0, nil, errors.New("connection closed")
	}
	if m.ReadIndex < len(m.ReadMessages) {
		msg := m.ReadMessages[m.ReadIndex]
		m.ReadIndex++
		return msg.Type, msg.Data, msg.Err
	}
	return 0, nil, errors.New("no more messages")
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockConnection) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteDeadline = t
	return nil
}

func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadLimit = limit
}

func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PongHandler = h
}

func (m *MockConnection) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoteAddress
}

// AddReadMessage queues a frame for ReadMessage to return.
func (m *MockConnection) AddReadMessage(messageType int, data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadMessages = append(m.ReadMessages, MockMessage{Type: messageType, Data: data, Err: err})
}

// GetWrittenMessages snapshots everything written so far.
func (m *MockConnection) GetWrittenMessages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.WrittenMessages))
	copy(out, m.WrittenMessages)
	return out
}
