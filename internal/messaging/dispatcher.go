package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-teamchat/internal/stats"
)

// Task is a best-effort side effect of a committed log write.
type Task struct {
	Op        string
	ChannelId string
	MessageId string
	Run       func(ctx context.Context) error
}

type DispatcherConfig struct {
	Shards      int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return c
}

var errDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher runs cache and index writes off the request path. Tasks for one
// channel always land on the same single-worker shard, so they apply in the
// order they were submitted.
type Dispatcher struct {
	cfg   DispatcherConfig
	log   zerolog.Logger
	stats stats.StatsProvider

	mu      sync.RWMutex
	stopped bool
	shards  []chan Task
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(cfg DispatcherConfig, st stats.StatsProvider, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	st.RegisterMetric(stats.DegradedWrites)
	st.RegisterMetric(stats.DeadLetters)

	d := &Dispatcher{
		cfg:    cfg,
		log:    logger,
		stats:  st,
		shards: make([]chan Task, cfg.Shards),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := range d.shards {
		d.shards[i] = make(chan Task, cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(d.shards[i])
	}

	return d
}

func (d *Dispatcher) shardFor(channelId string) chan Task {
	return d.shards[xxhash.Sum64String(channelId)%uint64(len(d.shards))]
}

// Submit queues t without blocking. A full shard or a stopped dispatcher
// drops the task to the dead-letter log.
func (d *Dispatcher) Submit(t Task) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.deadLetter(t, 0, errDispatcherStopped)
		return
	}

	select {
	case d.shardFor(t.ChannelId) <- t:
	default:
		d.deadLetter(t, 0, errors.New("side effect queue full"))
	}
}

// Flush waits until every task submitted before the call has finished.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return errDispatcherStopped
	}

	var done sync.WaitGroup
	for _, shard := range d.shards {
		done.Add(1)
		barrier := Task{Op: "flush", Run: func(context.Context) error {
			done.Done()
			return nil
		}}
		select {
		case shard <- barrier:
		case <-ctx.Done():
			d.mu.RUnlock()
			return ctx.Err()
		}
	}
	d.mu.RUnlock()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new tasks and drains the queues. Tasks still pending when ctx
// expires are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-drained
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(queue chan Task) {
	defer d.wg.Done()

	for t := range queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t Task) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
		err = t.Run(ctx)
		cancel()
		if err == nil {
			return
		}

		d.log.Warn().
			Err(err).
			Str("op", t.Op).
			Str("channel_id", t.ChannelId).
			Str("message_id", t.MessageId).
			Int("attempt", attempt).
			Msg("side effect failed")

		if attempt == d.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(d.cfg.Backoff * time.Duration(attempt)):
		case <-d.ctx.Done():
			d.deadLetter(t, attempt, err)
			return
		}
	}

	d.deadLetter(t, d.cfg.MaxAttempts, err)
}

func (d *Dispatcher) deadLetter(t Task, attempts int, err error) {
	d.stats.Incr(stats.DegradedWrites)
	d.stats.Incr(stats.DeadLetters)

	d.log.Error().
		Err(&DegradedWriteError{Op: t.Op, ChannelId: t.ChannelId, MessageId: t.MessageId, Err: err}).
		Bool("dead_letter", true).
		Str("op", t.Op).
		Str("channel_id", t.ChannelId).
		Str("message_id", t.MessageId).
		Int("attempts", attempts).
		Msg("giving up on side effect")
}
