package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/climate-ingest/internal/models"
)

// BatchBuffer is a thread-safe bounded FIFO of gateway batches waiting to
// be streamed
type BatchBuffer struct {
	batches    []*models.BatchPayload
	capacity   int
	dropOldest bool
	mutex      sync.RWMutex
	stats      BufferStats
}

// BufferStats tracks buffer usage statistics
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	TotalRequeued int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewBatchBuffer creates a buffer holding up to capacity batches
func NewBatchBuffer(capacity int, dropOldest bool) *BatchBuffer {
	return &BatchBuffer{
		batches:    make([]*models.BatchPayload, 0, capacity),
		capacity:   capacity,
		dropOldest: dropOldest,
	}
}

// Push adds a batch to the back of the buffer.
// Returns false if the batch was dropped (full and dropOldest=false).
func (bb *BatchBuffer) Push(batch *models.BatchPayload) bool {
	bb.mutex.Lock()
	defer bb.mutex.Unlock()

	if len(bb.batches) >= bb.capacity {
		bb.stats.TotalDropped++
		bb.stats.LastDropTime = time.Now()
		if !bb.dropOldest {
			return false
		}
		bb.batches = bb.batches[1:]
	}
	bb.batches = append(bb.batches, batch)
	bb.stats.TotalPushed++
	bb.stats.LastPushTime = time.Now()
	bb.trackHighWater()
	return true
}

// Requeue puts batches that could not be sent back at the front, keeping
// their order. Overflow is dropped by the same policy as Push.
func (bb *BatchBuffer) Requeue(batches []*models.BatchPayload) {
	if len(batches) == 0 {
		return
	}
	bb.mutex.Lock()
	defer bb.mutex.Unlock()

	merged := make([]*models.BatchPayload, 0, len(batches)+len(bb.batches))
	merged = append(merged, batches...)
	merged = append(merged, bb.batches...)
	if over := len(merged) - bb.capacity; over > 0 {
		bb.stats.TotalDropped += int64(over)
		bb.stats.LastDropTime = time.Now()
		if bb.dropOldest {
			merged = merged[over:]
		} else {
			merged = merged[:bb.capacity]
		}
	}
	bb.batches = merged
	bb.stats.TotalRequeued += int64(len(batches))
	bb.trackHighWater()
}

func (bb *BatchBuffer) trackHighWater() {
	if len(bb.batches) > bb.stats.HighWaterMark {
		bb.stats.HighWaterMark = len(bb.batches)
	}
}

// PopBatch removes and returns up to n batches, oldest first
func (bb *BatchBuffer) PopBatch(n int) []*models.BatchPayload {
	bb.mutex.Lock()
	defer bb.mutex.Unlock()

	count := min(n, len(bb.batches))
	if count == 0 {
		return nil
	}
	result := make([]*models.BatchPayload, count)
	copy(result, bb.batches[:count])
	bb.batches = bb.batches[count:]
	return result
}

// Peek returns up to n batches without removing them
func (bb *BatchBuffer) Peek(n int) []*models.BatchPayload {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()

	count := min(n, len(bb.batches))
	if count == 0 {
		return nil
	}
	result := make([]*models.BatchPayload, count)
	copy(result, bb.batches[:count])
	return result
}

// Size returns the current number of batches in the buffer
func (bb *BatchBuffer) Size() int {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()
	return len(bb.batches)
}

// IsFull returns true if buffer is at capacity
func (bb *BatchBuffer) IsFull() bool {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()
	return len(bb.batches) >= bb.capacity
}

// IsEmpty returns true if buffer has no batches
func (bb *BatchBuffer) IsEmpty() bool {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()
	return len(bb.batches) == 0
}

// Clear removes all batches and resets the counters
func (bb *BatchBuffer) Clear() {
	bb.mutex.Lock()
	defer bb.mutex.Unlock()
	bb.batches = make([]*models.BatchPayload, 0, bb.capacity)
	bb.stats = BufferStats{}
}

// Capacity returns the maximum capacity of the buffer
func (bb *BatchBuffer) Capacity() int {
	return bb.capacity
}

// Stats returns a copy of current buffer statistics
func (bb *BatchBuffer) Stats() BufferStats {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()
	return bb.stats
}

// String returns a human-readable representation of buffer state
func (bb *BatchBuffer) String() string {
	bb.mutex.RLock()
	defer bb.mutex.RUnlock()

	mode := "drop-newest"
	if bb.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]",
		len(bb.batches),
		bb.capacity,
		bb.stats.TotalDropped,
		mode,
	)
}
