package kite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus errors.
var (
	ErrBusClosed      = errors.New("bus closed")
	ErrRequestTimeout = errors.New("bus request timed out")
)

// BusHandler answers a request on a subject.
type BusHandler func(ctx context.Context, data []byte) ([]byte, error)

// Subscription is a handle to an active stream or serve registration.
type Subscription interface {
	Unsubscribe() error
}

// Messenger is the pub/sub + request/reply fabric the cross-window
// replicator rides on. Sibling windows of one process group share an
// InProcBus; multi-process window groups use a NATSBus against a local
// broker.
type Messenger interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Serve(ctx context.Context, subject string, handler BusHandler) (Subscription, error)
	Close() error
}

// ============================================================================
// InProcBus
// ============================================================================

// InProcBus is the in-memory Messenger for single-process window groups.
// Publish delivers to local Stream subscribers; Request/Serve work as
// same-process request-reply. A subject may carry several responders;
// Request asks each in registration order until one answers.
type InProcBus struct {
	mu       sync.RWMutex
	closed   bool
	streams  map[string][]chan<- []byte
	handlers map[string][]*servedHandler
}

type servedHandler struct {
	fn BusHandler
}

// NewInProcBus returns a new in-process Messenger.
func NewInProcBus() *InProcBus {
	return &InProcBus{
		streams:  make(map[string][]chan<- []byte),
		handlers: make(map[string][]*servedHandler),
	}
}

// Publish sends a fire-and-forget message to all Stream subscribers for the
// subject.
func (b *InProcBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]chan<- []byte, len(b.streams[subject]))
	copy(subs, b.streams[subject])
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stream creates a subscription to a subject; messages are delivered to ch.
func (b *InProcBus) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.streams[subject] = append(b.streams[subject], ch)
	sub := &inprocStreamSub{subject: subject, ch: ch, bus: b}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

// Request invokes the responders registered on the subject in order and
// returns the first answer. With no responder, or when every responder
// errors, the request fails.
func (b *InProcBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBusClosed
	}
	handlers := make([]*servedHandler, len(b.handlers[subject]))
	copy(handlers, b.handlers[subject])
	b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var lastErr error
	for _, h := range handlers {
		res, err := h.fn(ctx, data)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrRequestTimeout
}

// Serve registers a request responder for the subject.
func (b *InProcBus) Serve(ctx context.Context, subject string, handler BusHandler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	served := &servedHandler{fn: handler}
	b.handlers[subject] = append(b.handlers[subject], served)
	sub := &inprocServeSub{subject: subject, served: served, bus: b}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}

// Close marks the bus closed and releases all registrations.
func (b *InProcBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.streams = make(map[string][]chan<- []byte)
	b.handlers = make(map[string][]*servedHandler)
	b.mu.Unlock()
	return nil
}

type inprocStreamSub struct {
	subject string
	ch      chan<- []byte
	bus     *InProcBus
}

func (s *inprocStreamSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.streams[s.subject]
	for i, c := range subs {
		if c == s.ch {
			s.bus.streams[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

type inprocServeSub struct {
	subject string
	served  *servedHandler
	bus     *InProcBus
}

func (s *inprocServeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	handlers := s.bus.handlers[s.subject]
	for i, h := range handlers {
		if h == s.served {
			s.bus.handlers[s.subject] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}
	return nil
}

var _ Messenger = (*InProcBus)(nil)

// ============================================================================
// NATSBus
// ============================================================================

// natsRequestTimeout bounds hydration requests when the caller's context
// carries no deadline of its own.
const natsRequestTimeout = 3 * time.Second

// NATSBus is a Messenger backed by a NATS connection, for window groups
// that span processes.
type NATSBus struct {
	nc *nats.Conn
}

// NewNATSBus connects to the broker at url.
func NewNATSBus(url string) (*NATSBus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return ErrBusClosed
	}
	return b.nc.Publish(subject, data)
}

func (b *NATSBus) Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case ch <- msg.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return &natsSub{sub: sub}, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsRequestTimeout)
		defer cancel()
	}
	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	return msg.Data, nil
}

func (b *NATSBus) Serve(ctx context.Context, subject string, handler BusHandler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		reply, err := handler(ctx, msg.Data)
		if err != nil {
			return
		}
		_ = msg.Respond(reply)
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return &natsSub{sub: sub}, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

var _ Messenger = (*NATSBus)(nil)
