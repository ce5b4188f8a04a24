package pbft

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// RecordResult is the outcome of MessageLog.Record.
type RecordResult int

const (
	// Accepted means the message is new for its key.
	Accepted RecordResult = iota
	// Duplicate means the same vote was already recorded.
	Duplicate
	// Conflicting means the sender already voted differently for the key.
	Conflicting
)

func (r RecordResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Conflicting:
		return "conflicting"
	default:
		return "unknown"
	}
}

// Evidence attributes a conflicting vote to its sender.
type Evidence struct {
	Sender     string
	View       uint64
	Sequence   uint64
	Type       MessageType
	Digests    [][]byte
	DetectedAt time.Time
}

type slotKey struct {
	view uint64
	seq  uint64
	typ  MessageType
}

type logEntry struct {
	msg         *Message
	equivocated bool
}

// MessageLog stores every protocol message received, one entry per
// (view, sequence, type, sender). View-change traffic is keyed with
// sequence 0.
type MessageLog struct {
	mu sync.Mutex

	slots    map[slotKey]map[string]*logEntry
	evidence []Evidence
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		slots: make(map[slotKey]map[string]*logEntry),
	}
}

func keyOf(msg *Message) slotKey {
	k := slotKey{view: msg.View, seq: msg.Sequence, typ: msg.Type}
	if msg.Type == ViewChange || msg.Type == NewView {
		k.seq = 0
	}
	return k
}

// Record stores msg. A sender whose vote changes is kept at its latest
// message but no longer counts for any digest at that key.
func (l *MessageLog) Record(msg *Message) (RecordResult, *Evidence) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := keyOf(msg)
	senders, ok := l.slots[k]
	if !ok {
		senders = make(map[string]*logEntry)
		l.slots[k] = senders
	}

	prev, ok := senders[msg.SenderID]
	if !ok {
		senders[msg.SenderID] = &logEntry{msg: msg}
		return Accepted, nil
	}
	if bytes.Equal(prev.msg.Digest, msg.Digest) {
		return Duplicate, nil
	}

	ev := Evidence{
		Sender:     msg.SenderID,
		View:       k.view,
		Sequence:   k.seq,
		Type:       k.typ,
		Digests:    [][]byte{prev.msg.Digest, msg.Digest},
		DetectedAt: time.Now(),
	}
	l.evidence = append(l.evidence, ev)
	senders[msg.SenderID] = &logEntry{msg: msg, equivocated: true}
	return Conflicting, &ev
}

// CountMatching returns the number of senders whose vote at the key is digest.
func (l *MessageLog) CountMatching(view, seq uint64, typ MessageType, digest []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.slots[slotKey{view, seq, typ}] {
		if !e.equivocated && bytes.Equal(e.msg.Digest, digest) {
			n++
		}
	}
	return n
}

// CountSenders returns the number of senders with a counted vote at the key,
// whatever the digest.
func (l *MessageLog) CountSenders(view, seq uint64, typ MessageType) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.slots[slotKey{view, seq, typ}] {
		if !e.equivocated {
			n++
		}
	}
	return n
}

// Senders returns the sorted ids whose vote at the key is digest.
func (l *MessageLog) Senders(view, seq uint64, typ MessageType, digest []byte) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, e := range l.slots[slotKey{view, seq, typ}] {
		if !e.equivocated && bytes.Equal(e.msg.Digest, digest) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Matching returns the counted messages at the key voting for digest,
// ordered by sender.
func (l *MessageLog) Matching(view, seq uint64, typ MessageType, digest []byte) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Message
	for _, e := range l.slots[slotKey{view, seq, typ}] {
		if !e.equivocated && bytes.Equal(e.msg.Digest, digest) {
			out = append(out, e.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

// Messages returns every counted message at the key, ordered by sender.
func (l *MessageLog) Messages(view, seq uint64, typ MessageType) []*Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Message
	for _, e := range l.slots[slotKey{view, seq, typ}] {
		if !e.equivocated {
			out = append(out, e.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out
}

// Get returns the message a sender recorded at the key.
func (l *MessageLog) Get(view, seq uint64, typ MessageType, sender string) (*Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.slots[slotKey{view, seq, typ}][sender]
	if !ok || e.equivocated {
		return nil, false
	}
	return e.msg, true
}

// Evidence returns a copy of the conflict evidence gathered so far.
func (l *MessageLog) Evidence() []Evidence {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Evidence, len(l.evidence))
	copy(out, l.evidence)
	return out
}

// Prune drops ordering traffic for sequences at or below the stable
// checkpoint. View-change traffic is dropped for views below keepView.
func (l *MessageLog) Prune(stable, keepView uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, senders := range l.slots {
		switch k.typ {
		case PrePrepare, Prepare, Commit:
			if k.seq > stable {
				continue
			}
		default:
			if k.view >= keepView {
				continue
			}
		}
		removed += len(senders)
		delete(l.slots, k)
	}
	return removed
}

// DropSlot discards buffered votes for a (view, sequence) that never saw its
// pre-prepare.
func (l *MessageLog) DropSlot(view, seq uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, typ := range []MessageType{Prepare, Commit} {
		k := slotKey{view, seq, typ}
		removed += len(l.slots[k])
		delete(l.slots, k)
	}
	return removed
}

// Len returns the number of stored entries.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, senders := range l.slots {
		n += len(senders)
	}
	return n
}
