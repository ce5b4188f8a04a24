// Package metrics provides Prometheus metrics for the PBFT consensus engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Recorder is what the engine reports to. Metrics and NullMetrics implement it.
type Recorder interface {
	StartConsensusRound(seq uint64)
	EndConsensusRound(seq uint64, outcome string)
	SetSequenceHeight(seq uint64)
	SetCurrentView(view uint64)
	SetInFlight(n int)
	IncrementMessagesSent(msgType string)
	IncrementMessagesReceived(msgType string)
	IncrementMessagesDropped(reason string)
	RecordMessageProcessingTime(msgType string, d time.Duration)
	IncrementViewChanges()
	IncrementEvidence(kind string)
	IncrementLivenessAlarms()
	IncrementTransportErrors(op string)
	IncrementEmitterDrops()
}

// Metrics holds all Prometheus metrics for PBFT.
type Metrics struct {
	mu sync.Mutex

	// Consensus metrics
	consensusRoundsTotal *prometheus.CounterVec
	consensusDuration    prometheus.Histogram
	sequenceHeight       prometheus.Gauge
	currentView          prometheus.Gauge
	inFlight             prometheus.Gauge

	// Message metrics
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec
	messagesDroppedTotal  *prometheus.CounterVec
	messageProcessingTime *prometheus.HistogramVec

	// Fault metrics
	viewChangesTotal     prometheus.Counter
	evidenceTotal        *prometheus.CounterVec
	livenessAlarmsTotal  prometheus.Counter
	transportErrorsTotal *prometheus.CounterVec
	emitterDropsTotal    prometheus.Counter

	roundStartTimes map[uint64]time.Time
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		roundStartTimes: make(map[uint64]time.Time),
	}

	m.consensusRoundsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consensus_rounds_total",
		Help:      "Total number of sequences finished, by outcome",
	}, []string{"outcome"})

	m.consensusDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_duration_seconds",
		Help:      "Time from pre-prepare to decision in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	m.sequenceHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sequence_height",
		Help:      "Highest decided sequence number",
	})

	m.currentView = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view",
		Help:      "Current view number",
	})

	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proposals_in_flight",
		Help:      "Proposals accepted but not yet decided",
	})

	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent by type",
	}, []string{"type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received by type",
	}, []string{"type"})

	m.messagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Inbound messages dropped before processing, by reason",
	}, []string{"reason"})

	m.messageProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_processing_seconds",
		Help:      "Time to process messages by type",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	}, []string{"type"})

	m.viewChangesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of installed view changes",
	})

	m.evidenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "byzantine_evidence_total",
		Help:      "Faulty behaviour detected, by kind",
	}, []string{"kind"})

	m.livenessAlarmsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "liveness_alarms_total",
		Help:      "Times view changes stopped converging",
	})

	m.transportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Failed broadcasts and relays",
	}, []string{"op"})

	m.emitterDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_events_dropped_total",
		Help:      "Stream events dropped because the queue was full",
	})

	reg.MustRegister(
		m.consensusRoundsTotal,
		m.consensusDuration,
		m.sequenceHeight,
		m.currentView,
		m.inFlight,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.messagesDroppedTotal,
		m.messageProcessingTime,
		m.viewChangesTotal,
		m.evidenceTotal,
		m.livenessAlarmsTotal,
		m.transportErrorsTotal,
		m.emitterDropsTotal,
	)

	return m
}

// StartConsensusRound records the start of a consensus round.
func (m *Metrics) StartConsensusRound(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roundStartTimes[seq]; !ok {
		m.roundStartTimes[seq] = time.Now()
	}
}

// EndConsensusRound records the end of a consensus round.
func (m *Metrics) EndConsensusRound(seq uint64, outcome string) {
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[seq]
	if exists {
		delete(m.roundStartTimes, seq)
	}
	m.mu.Unlock()

	m.consensusRoundsTotal.WithLabelValues(outcome).Inc()
	if exists {
		m.consensusDuration.Observe(time.Since(startTime).Seconds())
	}
}

// SetSequenceHeight sets the highest decided sequence.
func (m *Metrics) SetSequenceHeight(seq uint64) {
	m.sequenceHeight.Set(float64(seq))
}

// SetCurrentView sets the current view number.
func (m *Metrics) SetCurrentView(view uint64) {
	m.currentView.Set(float64(view))
}

// SetInFlight sets the number of undecided proposals.
func (m *Metrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesDropped counts an inbound message dropped for reason.
func (m *Metrics) IncrementMessagesDropped(reason string) {
	m.messagesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMessageProcessingTime records the time to process a message.
func (m *Metrics) RecordMessageProcessingTime(msgType string, d time.Duration) {
	m.messageProcessingTime.WithLabelValues(msgType).Observe(d.Seconds())
}

// IncrementViewChanges increments the view change counter.
func (m *Metrics) IncrementViewChanges() {
	m.viewChangesTotal.Inc()
}

// IncrementEvidence counts detected misbehaviour.
func (m *Metrics) IncrementEvidence(kind string) {
	m.evidenceTotal.WithLabelValues(kind).Inc()
}

// IncrementLivenessAlarms counts liveness alarms.
func (m *Metrics) IncrementLivenessAlarms() {
	m.livenessAlarmsTotal.Inc()
}

// IncrementTransportErrors counts failed transport calls.
func (m *Metrics) IncrementTransportErrors(op string) {
	m.transportErrorsTotal.WithLabelValues(op).Inc()
}

// IncrementEmitterDrops counts dropped stream events.
func (m *Metrics) IncrementEmitterDrops() {
	m.emitterDropsTotal.Inc()
}

// Server exposes the metrics over HTTP.
type Server struct {
	addr   string
	server *http.Server
	logger *zap.Logger
}

// NewServer creates a metrics HTTP server for the collectors in gatherer.
// A nil gatherer serves the default registry.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		addr:   addr,
		logger: logger.Named("metrics"),
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.String("addr", s.addr), zap.Error(err))
		}
	}()
	s.logger.Info("metrics server started", zap.String("addr", s.addr))
	return nil
}

// Stop stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// NullMetrics is a no-op implementation of metrics for testing.
type NullMetrics struct{}

func (NullMetrics) StartConsensusRound(uint64) {}
func (NullMetrics) EndConsensusRound(uint64, string) {}
func (NullMetrics) SetSequenceHeight(uint64) {}
func (NullMetrics) SetCurrentView(uint64) {}
func (NullMetrics) SetInFlight(int) {}
func (NullMetrics) IncrementMessagesSent(string) {}
func (NullMetrics) IncrementMessagesReceived(string) {}
func (NullMetrics) IncrementMessagesDropped(string) {}
func (NullMetrics) RecordMessageProcessingTime(string, time.Duration) {}
func (NullMetrics) IncrementViewChanges() {}
func (NullMetrics) IncrementEvidence(string) {}
func (NullMetrics) IncrementLivenessAlarms() {}
func (NullMetrics) IncrementTransportErrors(string) {}
func (NullMetrics) IncrementEmitterDrops() {}
