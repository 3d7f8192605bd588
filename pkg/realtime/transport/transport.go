// Package transport opens the realtime connection: a WebRTC peer connection
// with an "oai-events" data channel, or a plain websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrChannelClosed = errors.New("realtime channel is closed")

// Connect stages reported by ConnectError.
const (
	StageToken          = "token"
	StageMedia          = "media"
	StagePeerConnection = "peer_connection"
	StageOffer          = "offer"
	StageSDPExchange    = "sdp_exchange"
	StageAnswer         = "answer"
	StageDataChannel    = "data_channel"
	StageDial           = "dial"
)

// ConnectError is returned by every failed Open. Nothing from a failed attempt
// is reusable; the caller starts over with a fresh Open.
type ConnectError struct {
	Stage      string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("realtime connect failed at ")
	b.WriteString(e.Stage)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func connectErr(stage string, err error) *ConnectError {
	return &ConnectError{Stage: stage, Err: err}
}

// Channel is an open realtime connection.
type Channel interface {
	// Send writes one control message. Concurrent calls never interleave.
	Send(ctx context.Context, data []byte) error

	// Inbound yields server frames in arrival order and is closed when the
	// channel closes for any reason.
	Inbound() <-chan []byte

	// SetMicEnabled toggles the local capture track without renegotiation.
	SetMicEnabled(enabled bool)

	// Close tears the connection down. It is idempotent.
	Close() error
}

// Negotiator opens channels. Each Open builds a fresh connection.
type Negotiator interface {
	Open(ctx context.Context) (Channel, error)
	Name() string
}

const inboundBuffer = 256

// frameQueue decouples transport callbacks from the consumer. The forwarder
// goroutine is the only writer of out, so out can be closed safely once the
// queue stops.
type frameQueue struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{
		in:   make(chan []byte, inboundBuffer),
		out:  make(chan []byte, inboundBuffer),
		done: make(chan struct{}),
	}
	go q.forward()
	return q
}

// forward delivers every accepted frame in order. After stop it drains what
// push already accepted, then closes out.
func (q *frameQueue) forward() {
	defer close(q.out)
	for {
		select {
		case data := <-q.in:
			q.out <- data
		case <-q.done:
			for {
				select {
				case data := <-q.in:
					q.out <- data
				default:
					return
				}
			}
		}
	}
}

// push blocks while the consumer is behind and reports false once stopped.
func (q *frameQueue) push(data []byte) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.in <- data:
		return true
	case <-q.done:
		return false
	}
}

func (q *frameQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
