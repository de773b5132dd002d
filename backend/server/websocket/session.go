package websocket

import "sync"

// session is the relay-facing side of a websocket connection.
// Frames are queued for the sender loop; Send never blocks.
type session struct {
	tx        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(queue int) *session {
	return &session{
		tx:   make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (s *session) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.tx <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *session) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}
