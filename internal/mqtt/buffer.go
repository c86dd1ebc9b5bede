package mqtt

import (
	"time"

	"github.com/rs/zerolog/log"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	queuedAt time.Time
}

// ringBuffer is a fixed-capacity FIFO that stores messages while disconnected.
// Not safe for concurrent use; the caller synchronizes.
type ringBuffer struct {
	buf      []bufferedMsg
	capacity int
	head     int // next write position
	count    int
	dropped  int // messages overwritten since last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		buf:      make([]bufferedMsg, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	if r.count == r.capacity {
		if r.dropped == 0 {
			log.Warn().Int("capacity", r.capacity).Msg("mqtt: buffer full, dropping oldest")
		}
		r.dropped++
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// drainAll returns buffered messages oldest first and empties the buffer.
// Messages queued more than maxAge before now are discarded.
// maxAge <= 0 keeps everything.
func (r *ringBuffer) drainAll(now time.Time, maxAge time.Duration) []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]bufferedMsg, 0, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	expired := 0
	for i := 0; i < r.count; i++ {
		msg := r.buf[(start+i)%r.capacity]
		if maxAge > 0 && now.Sub(msg.queuedAt) > maxAge {
			expired++
			continue
		}
		result = append(result, msg)
	}

	if r.dropped > 0 || expired > 0 {
		log.Info().Int("dropped", r.dropped).Int("expired", expired).Msg("mqtt: buffer drained with losses")
	}
	r.count = 0
	r.head = 0
	r.dropped = 0
	if len(result) == 0 {
		return nil
	}
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}
