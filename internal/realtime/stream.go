package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// StreamConn is a Conn backed by a buffered channel, for transports such as
// SSE that drain messages from their own loop.
type StreamConn struct {
	id   string
	ch   chan Message
	once sync.Once
	done chan struct{}
}

// NewStreamConn creates a stream connection with the given buffer size.
func NewStreamConn(buffer int) *StreamConn {
	if buffer <= 0 {
		buffer = sendBufferSize
	}
	return &StreamConn{
		id:   uuid.NewString(),
		ch:   make(chan Message, buffer),
		done: make(chan struct{}),
	}
}

func (s *StreamConn) ID() string { return s.id }

func (s *StreamConn) Send(m Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- m:
		return true
	default:
		return false
	}
}

func (s *StreamConn) Close() {
	s.once.Do(func() { close(s.done) })
}

// Messages is drained by the transport loop.
func (s *StreamConn) Messages() <-chan Message { return s.ch }

// Done is closed when the hub drops the connection.
func (s *StreamConn) Done() <-chan struct{} { return s.done }
