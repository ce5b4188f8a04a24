package pbft

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/metrics"
	"github.com/ahwlsqja/pbft-remediation/types"
)

// Stream channels the engine publishes on.
const (
	ChannelPhase      = "consensus.phase"
	ChannelDecision   = "consensus.decision"
	ChannelFault      = "consensus.fault"
	ChannelViewChange = "consensus.view_change"
	ChannelLiveness   = "consensus.liveness"
)

// StreamEmitter receives best-effort observability events.
type StreamEmitter interface {
	Emit(channel string, payload any)
}

// PhaseEvent is published on every phase transition of a sequence.
type PhaseEvent struct {
	NodeID   string    `json:"node_id"`
	View     uint64    `json:"view"`
	Sequence uint64    `json:"sequence"`
	Phase    string    `json:"phase"`
	Digest   string    `json:"digest,omitempty"`
	At       time.Time `json:"at"`
}

// DecisionEvent is published once per finished sequence.
type DecisionEvent struct {
	NodeID string                 `json:"node_id"`
	Result *types.ConsensusResult `json:"result"`
}

// FaultEvent is published when a replica is caught misbehaving.
type FaultEvent struct {
	NodeID   string    `json:"node_id"`
	Suspect  string    `json:"suspect"`
	Kind     string    `json:"kind"`
	View     uint64    `json:"view"`
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
}

// ViewChangeEvent is published when a view change starts or completes.
type ViewChangeEvent struct {
	NodeID   string    `json:"node_id"`
	FromView uint64    `json:"from_view"`
	ToView   uint64    `json:"to_view"`
	Stage    string    `json:"stage"`
	Reason   string    `json:"reason,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	At       time.Time `json:"at"`
}

// LivenessEvent is published when the engine halts.
type LivenessEvent struct {
	NodeID   string    `json:"node_id"`
	View     uint64    `json:"view"`
	Attempts int       `json:"attempts"`
	Aborted  []uint64  `json:"aborted"`
	At       time.Time `json:"at"`
}

type streamEvent struct {
	channel string
	payload any
}

// asyncEmitter decouples the sink from consensus: Emit never blocks and
// drops events when the queue is full.
type asyncEmitter struct {
	sink    StreamEmitter
	queue   chan streamEvent
	metrics metrics.Recorder
	logger  *zap.Logger

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func newAsyncEmitter(sink StreamEmitter, size int, m metrics.Recorder, logger *zap.Logger) *asyncEmitter {
	if size <= 0 {
		size = 1024
	}
	a := &asyncEmitter{
		sink:    sink,
		queue:   make(chan streamEvent, size),
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
	if sink != nil {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

func (a *asyncEmitter) Emit(channel string, payload any) {
	if a.sink == nil {
		return
	}
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.queue <- streamEvent{channel: channel, payload: payload}:
	default:
		a.metrics.IncrementEmitterDrops()
	}
}

func (a *asyncEmitter) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.queue:
			a.deliver(ev)
		}
	}
}

func (a *asyncEmitter) deliver(ev streamEvent) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("stream emitter panicked", zap.String("channel", ev.channel), zap.Any("panic", r))
		}
	}()
	a.sink.Emit(ev.channel, ev.payload)
}

func (a *asyncEmitter) close() {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
}
