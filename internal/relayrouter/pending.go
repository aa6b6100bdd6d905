package relayrouter

import (
	"sync"
	"time"
)

// PendingMessage is one envelope queued for a container that was neither
// connected over websocket nor reachable by callback at forward time.
type PendingMessage struct {
	ID        string
	From      string
	Payload   string // opaque ciphertext, never inspected
	Size      int
	Timestamp int64
}

// pendingQueue is a per-container FIFO of undelivered messages. Per
// §5's ordering guarantee, the relay only promises per-sender-per-target
// FIFO, which a single ordered slice per recipient gives for free: every
// sender's messages land in arrival order, same as every other sender's.
type pendingQueue struct {
	mu   sync.Mutex
	byID map[string][]PendingMessage
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{byID: make(map[string][]PendingMessage)}
}

// enqueueWithID queues payload under messageID, the same id already
// returned to the caller as the delivery result's messageId, so a
// "queued" forward's id is stable across the response and later pending
// list/ack calls.
func (q *pendingQueue) enqueueWithID(messageID, toContainerID, fromContainerID, payload string) PendingMessage {
	msg := PendingMessage{
		ID:        messageID,
		From:      fromContainerID,
		Payload:   payload,
		Size:      len(payload),
		Timestamp: time.Now().UnixMilli(),
	}
	q.mu.Lock()
	q.byID[toContainerID] = append(q.byID[toContainerID], msg)
	q.mu.Unlock()
	return msg
}

// list returns up to limit messages addressed to containerID, oldest first.
func (q *pendingQueue) list(containerID string, limit int) []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.byID[containerID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]PendingMessage, limit)
	copy(out, all[:limit])
	return out
}

// ack drops the named message ids from containerID's queue.
func (q *pendingQueue) ack(containerID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	drop := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		drop[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	all := q.byID[containerID]
	kept := all[:0]
	for _, m := range all {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	q.byID[containerID] = kept
}
