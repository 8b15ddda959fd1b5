// Package blockingio runs notification delivery and graph storage on a
// bounded worker pool, off the connection read goroutines.
package blockingio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/markus-barta/pinrelay/internal/protocol"
	"github.com/markus-barta/pinrelay/internal/relay"
	"github.com/markus-barta/pinrelay/internal/storage"
	"github.com/rs/zerolog"
)

// Mailer delivers e-mail.
type Mailer interface {
	Mail(ctx context.Context, to, subject, body string) error
}

// Tweeter posts a status with per-widget credentials.
type Tweeter interface {
	Tweet(ctx context.Context, token, secret, text string) error
}

// Pusher delivers a push notification to a device target.
type Pusher interface {
	Push(ctx context.Context, target, body string) error
}

// GraphStore keeps pin history. *storage.Store implements it.
type GraphStore interface {
	AppendGraphPoint(ctx context.Context, key storage.GraphKey, p storage.GraphPoint) error
	GraphPoints(ctx context.Context, key storage.GraphKey, from time.Time, period time.Duration) ([]storage.GraphPoint, error)
	DeleteGraph(ctx context.Context, key storage.GraphKey) error
}

// ErrClosed is logged for tasks submitted after Close.
var ErrClosed = errors.New("processor closed")

// Backends are the delivery targets of a Processor.
type Backends struct {
	Mailer  Mailer
	Tweeter Tweeter
	Pusher  Pusher
	Graph   GraphStore
}

// Options sizes the worker pool.
type Options struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

type task struct {
	kind  string
	r     relay.Replier
	msgID uint16
	// fail is the status sent when run returns an error.
	fail protocol.Status
	run  func(ctx context.Context) (*protocol.Message, error)
}

// Processor is a bounded pool of workers. Submissions never block: when the
// queue is full the requester is answered with ServerError.
type Processor struct {
	log     zerolog.Logger
	b       Backends
	opts    Options
	tasks   chan task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
	now     func() time.Time
}

// New creates a processor. Call Start before submitting.
func New(log zerolog.Logger, b Backends, opts Options) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		log:    log.With().Str("component", "blockingio").Logger(),
		b:      b,
		opts:   opts,
		tasks:  make(chan task, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start launches the workers.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.opts.Workers).Int("queue", p.opts.QueueSize).Msg("blocking io started")
}

// Close stops accepting tasks and waits for the queue to drain. When ctx
// expires first, running tasks are cancelled and Close returns ctx.Err().
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info().Msg("blocking io drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Processor) worker(n int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.execute(t)
	}
	p.log.Debug().Int("worker", n).Msg("worker stopped")
}

func (p *Processor) execute(t task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.TaskTimeout)
	defer cancel()

	start := p.now()
	reply, err := t.run(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("task", t.kind).Uint16("msg", t.msgID).Msg("task failed")
		reply = protocol.NewResponse(t.msgID, t.fail)
	} else {
		p.log.Debug().Str("task", t.kind).Dur("took", p.now().Sub(start)).Msg("task done")
	}
	if t.r != nil && reply != nil {
		t.r.Send(reply)
	}
}

func (p *Processor) submit(t task) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.log.Warn().Err(ErrClosed).Str("task", t.kind).Msg("task rejected")
		p.reject(t)
		return
	}
	select {
	case p.tasks <- t:
	default:
		p.log.Warn().Str("task", t.kind).Int("queue", p.opts.QueueSize).Msg("queue full, task rejected")
		p.reject(t)
	}
}

func (p *Processor) reject(t task) {
	if t.r != nil {
		t.r.Send(protocol.NewResponse(t.msgID, protocol.StatusServerError))
	}
}

// Pending returns the number of queued tasks.
func (p *Processor) Pending() int {
	return len(p.tasks)
}

// ═══════════════════════════════════════════════════════════════════════════
// relay.BlockingIO
// ═══════════════════════════════════════════════════════════════════════════

var _ relay.BlockingIO = (*Processor)(nil)

func okReply(msgID uint16) *protocol.Message {
	return protocol.NewResponse(msgID, protocol.StatusOK)
}

// Mail delivers an e-mail and answers OK or NotificationError.
func (p *Processor) Mail(r relay.Replier, to, subject, body string, msgID uint16) {
	p.submit(task{
		kind:  "mail",
		r:     r,
		msgID: msgID,
		fail:  protocol.StatusNotificationError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			if err := p.b.Mailer.Mail(ctx, to, subject, body); err != nil {
				return nil, fmt.Errorf("mail to %s: %w", to, err)
			}
			return okReply(msgID), nil
		},
	})
}

// Twit posts a tweet and answers OK or NotificationError.
func (p *Processor) Twit(r relay.Replier, token, secret, text string, msgID uint16) {
	p.submit(task{
		kind:  "tweet",
		r:     r,
		msgID: msgID,
		fail:  protocol.StatusNotificationError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			if err := p.b.Tweeter.Tweet(ctx, token, secret, text); err != nil {
				return nil, fmt.Errorf("tweet: %w", err)
			}
			return okReply(msgID), nil
		},
	})
}

// Push delivers a push notification. A nil r gets no answer.
func (p *Processor) Push(r relay.Replier, target, body string, msgID uint16) {
	p.submit(task{
		kind:  "push",
		r:     r,
		msgID: msgID,
		fail:  protocol.StatusNotificationError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			if err := p.b.Pusher.Push(ctx, target, body); err != nil {
				return nil, fmt.Errorf("push to %s: %w", target, err)
			}
			return okReply(msgID), nil
		},
	})
}

func graphKey(userID string, dashID int, pt profile.PinType, pin int) storage.GraphKey {
	return storage.GraphKey{UserID: userID, DashID: dashID, PinType: pt, Pin: pin}
}

// ReadGraphData answers with a GetGraphData message carrying the
// compressed history of every requested pin, or NoData when all are empty.
func (p *Processor) ReadGraphData(r relay.Replier, userID string, reqs []relay.GraphRequest, msgID uint16) {
	p.submit(task{
		kind:  "graph",
		r:     r,
		msgID: msgID,
		fail:  protocol.StatusServerError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			now := p.now()
			series := make([][]storage.GraphPoint, len(reqs))
			total := 0
			for i, req := range reqs {
				key := graphKey(userID, req.DashID, req.PinType, req.Pin)
				from := now.Add(-time.Duration(req.Count) * req.Period)
				points, err := p.b.Graph.GraphPoints(ctx, key, from, req.Period)
				if err != nil {
					return nil, err
				}
				series[i] = points
				total += len(points)
			}
			if total == 0 {
				return protocol.NewResponse(msgID, protocol.StatusNoData), nil
			}
			body, err := EncodeGraph(series)
			if err != nil {
				return nil, err
			}
			if len(body) > protocol.MaxBodySize {
				return nil, fmt.Errorf("graph payload of %d bytes exceeds frame size", len(body))
			}
			return &protocol.Message{ID: msgID, Command: protocol.CmdGetGraphData, Body: body}, nil
		},
	})
}

// DeleteGraphData removes the history of one pin and answers OK.
func (p *Processor) DeleteGraphData(r relay.Replier, userID string, req relay.GraphRequest, msgID uint16) {
	p.submit(task{
		kind:  "graph-delete",
		r:     r,
		msgID: msgID,
		fail:  protocol.StatusServerError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			if err := p.b.Graph.DeleteGraph(ctx, graphKey(userID, req.DashID, req.PinType, req.Pin)); err != nil {
				return nil, err
			}
			return okReply(msgID), nil
		},
	})
}

// StoreGraphValue appends a sample. Non-numeric values are not graphed.
func (p *Processor) StoreGraphValue(userID string, v relay.GraphValue) {
	value, err := strconv.ParseFloat(v.Value, 64)
	if err != nil {
		p.log.Debug().Str("user", userID).Int("dash", v.DashID).Str("value", v.Value).Msg("non-numeric graph value skipped")
		return
	}
	p.submit(task{
		kind:  "graph-store",
		msgID: 0,
		fail:  protocol.StatusServerError,
		run: func(ctx context.Context) (*protocol.Message, error) {
			key := graphKey(userID, v.DashID, v.PinType, v.Pin)
			return nil, p.b.Graph.AppendGraphPoint(ctx, key, storage.GraphPoint{TS: v.TS, Value: value})
		},
	})
}
