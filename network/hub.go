// Package network provides an in-process network for PBFT replicas with
// fault injection. Tests and the simulate command run whole clusters on it.
package network

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/consensus/pbft"
	"github.com/ahwlsqja/pbft-remediation/types"
)

const inboxSize = 8192

// Filter decides whether a message from one node reaches another.
type Filter func(from, to string, msg *pbft.Message) bool

type delivery struct {
	msg      *pbft.Message
	proposal *types.ConsensusProposal
}

// Hub connects the endpoints of a cluster. Every message is encoded and
// decoded on the way, so receivers never share memory with the sender.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	silenced  map[string]bool
	filter    Filter

	dropRate      float64
	duplicateRate float64
	maxDelay      time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	delivered atomic.Int64
	dropped   atomic.Int64

	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		silenced:  make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger.Named("network"),
	}
}

// Seed makes the fault injection reproducible.
func (h *Hub) Seed(seed int64) {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	h.rng = rand.New(rand.NewSource(seed))
}

// Endpoint returns the endpoint of nodeID, creating it on first use.
func (h *Hub) Endpoint(nodeID string) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ep, ok := h.endpoints[nodeID]; ok {
		return ep
	}
	ep := &Endpoint{
		hub:    h,
		nodeID: nodeID,
		inbox:  make(chan delivery, inboxSize),
		done:   make(chan struct{}),
	}
	h.endpoints[nodeID] = ep
	ep.wg.Add(1)
	go ep.run()
	return ep
}

// Nodes returns the registered node ids, sorted.
func (h *Hub) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Silence cuts a node off: nothing it sends or should receive is delivered.
func (h *Hub) Silence(nodeID string, silent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if silent {
		h.silenced[nodeID] = true
	} else {
		delete(h.silenced, nodeID)
	}
}

// SetFilter installs a per-link filter. nil removes it.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// SetDropRate drops each delivery with probability rate.
func (h *Hub) SetDropRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRate = rate
}

// SetDuplicateRate delivers a second copy with probability rate.
func (h *Hub) SetDuplicateRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.duplicateRate = rate
}

// SetMaxDelay delays each delivery by a random duration up to d. Delayed
// deliveries may overtake each other.
func (h *Hub) SetMaxDelay(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxDelay = d
}

// Stats returns the number of delivered and dropped messages.
func (h *Hub) Stats() (delivered, dropped int64) {
	return h.delivered.Load(), h.dropped.Load()
}

// Inject delivers msg to nodeID as if it came over the network. Faults do
// not apply. Tests use it to play a Byzantine sender.
func (h *Hub) Inject(nodeID string, msg *pbft.Message) error {
	h.mu.RLock()
	ep, ok := h.endpoints[nodeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown node %s", nodeID)
	}
	cp, err := copyMessage(msg)
	if err != nil {
		return err
	}
	ep.push(delivery{msg: cp})
	return nil
}

// Close stops every endpoint.
func (h *Hub) Close() {
	h.mu.RLock()
	eps := make([]*Endpoint, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		eps = append(eps, ep)
	}
	h.mu.RUnlock()

	for _, ep := range eps {
		ep.Close()
	}
}

func (h *Hub) roll() float64 {
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64()
}

func (h *Hub) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return time.Duration(h.rng.Int63n(int64(max)))
}

// send fans d out from one node to every other endpoint.
func (h *Hub) send(from string, d delivery) {
	h.mu.RLock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for id, ep := range h.endpoints {
		if id != from {
			targets = append(targets, ep)
		}
	}
	silencedFrom := h.silenced[from]
	silenced := make(map[string]bool, len(h.silenced))
	for id := range h.silenced {
		silenced[id] = true
	}
	filter, dropRate, dupRate, maxDelay := h.filter, h.dropRate, h.duplicateRate, h.maxDelay
	h.mu.RUnlock()

	for _, ep := range targets {
		if silencedFrom || silenced[ep.nodeID] {
			h.dropped.Add(1)
			continue
		}
		if d.msg != nil && filter != nil && !filter(from, ep.nodeID, d.msg) {
			h.dropped.Add(1)
			continue
		}
		if dropRate > 0 && h.roll() < dropRate {
			h.dropped.Add(1)
			continue
		}
		copies := 1
		if dupRate > 0 && h.roll() < dupRate {
			copies = 2
		}
		for i := 0; i < copies; i++ {
			cp, err := copyDelivery(d)
			if err != nil {
				h.logger.Warn("failed to copy delivery", zap.String("from", from), zap.Error(err))
				h.dropped.Add(1)
				continue
			}
			if delay := h.jitter(maxDelay); delay > 0 {
				target := ep
				time.AfterFunc(delay, func() { target.push(cp) })
			} else {
				ep.push(cp)
			}
		}
	}
}

func copyMessage(msg *pbft.Message) (*pbft.Message, error) {
	data, err := types.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var out pbft.Message
	if err := types.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func copyDelivery(d delivery) (delivery, error) {
	if d.msg != nil {
		msg, err := copyMessage(d.msg)
		return delivery{msg: msg}, err
	}
	data, err := types.Marshal(d.proposal)
	if err != nil {
		return delivery{}, err
	}
	var p types.ConsensusProposal
	if err := types.Unmarshal(data, &p); err != nil {
		return delivery{}, err
	}
	return delivery{proposal: &p}, nil
}

// ================================================================================
//                          Endpoint
// ================================================================================

// Endpoint is one node's attachment to the hub. It implements pbft.Transport.
type Endpoint struct {
	hub    *Hub
	nodeID string

	mu              sync.RWMutex
	msgHandler      func(*pbft.Message)
	proposalHandler func(*types.ConsensusProposal)

	inbox chan delivery
	once  sync.Once
	done  chan struct{}
	wg    sync.WaitGroup
}

var _ pbft.Transport = (*Endpoint)(nil)

// NodeID returns the owner of the endpoint.
func (ep *Endpoint) NodeID() string {
	return ep.nodeID
}

// Broadcast sends msg to every other node.
func (ep *Endpoint) Broadcast(msg *pbft.Message) error {
	if ep.closed() {
		return fmt.Errorf("endpoint %s closed", ep.nodeID)
	}
	ep.hub.send(ep.nodeID, delivery{msg: msg})
	return nil
}

// Relay forwards a proposal to every other node.
func (ep *Endpoint) Relay(p *types.ConsensusProposal) error {
	if ep.closed() {
		return fmt.Errorf("endpoint %s closed", ep.nodeID)
	}
	ep.hub.send(ep.nodeID, delivery{proposal: p})
	return nil
}

// SetMessageHandler sets the callback for incoming messages.
func (ep *Endpoint) SetMessageHandler(handler func(*pbft.Message)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.msgHandler = handler
}

// SetProposalHandler sets the callback for relayed proposals.
func (ep *Endpoint) SetProposalHandler(handler func(*types.ConsensusProposal)) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.proposalHandler = handler
}

// Close stops delivery to this endpoint.
func (ep *Endpoint) Close() {
	ep.once.Do(func() { close(ep.done) })
	ep.wg.Wait()
}

func (ep *Endpoint) closed() bool {
	select {
	case <-ep.done:
		return true
	default:
		return false
	}
}

func (ep *Endpoint) push(d delivery) {
	select {
	case <-ep.done:
	case ep.inbox <- d:
	default:
		ep.hub.dropped.Add(1)
		ep.hub.logger.Warn("inbox full, delivery dropped", zap.String("node", ep.nodeID))
	}
}

// run hands deliveries to the handlers one at a time, in arrival order.
func (ep *Endpoint) run() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.done:
			return
		case d := <-ep.inbox:
			ep.mu.RLock()
			onMsg, onProposal := ep.msgHandler, ep.proposalHandler
			ep.mu.RUnlock()

			switch {
			case d.msg != nil && onMsg != nil:
				onMsg(d.msg)
			case d.proposal != nil && onProposal != nil:
				onProposal(d.proposal)
			default:
				ep.hub.dropped.Add(1)
				continue
			}
			ep.hub.delivered.Add(1)
		}
	}
}
