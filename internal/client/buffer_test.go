package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/afroash/climate-ingest/internal/models"
)

// testBatch builds a batch whose device id encodes n
func testBatch(n int) *models.BatchPayload {
	return &models.BatchPayload{
		DeviceID: fmt.Sprintf("gw-%02d", n),
		Tags:     json.RawMessage(`[]`),
	}
}

func deviceIDs(batches []*models.BatchPayload) []string {
	ids := make([]string, len(batches))
	for i, b := range batches {
		ids[i] = b.DeviceID
	}
	return ids
}

func TestNewBatchBuffer(t *testing.T) {
	buf := NewBatchBuffer(100, true)

	if buf.Capacity() != 100 {
		t.Errorf("Capacity = %d, want 100", buf.Capacity())
	}
	if buf.Size() != 0 || !buf.IsEmpty() {
		t.Error("New buffer should be empty")
	}
}

func TestBuffer_PopBatch(t *testing.T) {
	buf := NewBatchBuffer(10, true)
	for i := 0; i < 5; i++ {
		buf.Push(testBatch(i))
	}

	batches := buf.PopBatch(3)
	if len(batches) != 3 {
		t.Fatalf("PopBatch(3) returned %d batches, want 3", len(batches))
	}
	if buf.Size() != 2 {
		t.Errorf("Size after pop = %d, want 2", buf.Size())
	}
	if batches[0].DeviceID != "gw-00" || batches[2].DeviceID != "gw-02" {
		t.Errorf("popped = %v, want oldest first", deviceIDs(batches))
	}

	if rest := buf.PopBatch(10); len(rest) != 2 || !buf.IsEmpty() {
		t.Errorf("PopBatch(10) returned %d, want the remaining 2", len(rest))
	}
	if buf.PopBatch(1) != nil {
		t.Error("PopBatch on empty buffer should return nil")
	}
}

func TestBuffer_Peek(t *testing.T) {
	buf := NewBatchBuffer(10, true)
	for i := 0; i < 5; i++ {
		buf.Push(testBatch(i))
	}

	batches := buf.Peek(3)
	if len(batches) != 3 || batches[0].DeviceID != "gw-00" {
		t.Errorf("Peek(3) = %v", deviceIDs(batches))
	}
	if buf.Size() != 5 {
		t.Errorf("Size after peek = %d, want 5 (unchanged)", buf.Size())
	}
}

func TestBuffer_Overflow(t *testing.T) {
	tests := []struct {
		name       string
		dropOldest bool
		wantPushed bool
		want       []string
	}{
		{"drop oldest", true, true, []string{"gw-01", "gw-02", "gw-99"}},
		{"drop newest", false, false, []string{"gw-00", "gw-01", "gw-02"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewBatchBuffer(3, tt.dropOldest)
			for i := 0; i < 3; i++ {
				buf.Push(testBatch(i))
			}
			if !buf.IsFull() {
				t.Fatal("Buffer should be full")
			}

			if got := buf.Push(testBatch(99)); got != tt.wantPushed {
				t.Errorf("Push when full = %v, want %v", got, tt.wantPushed)
			}

			got := deviceIDs(buf.Peek(3))
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("contents = %v, want %v", got, tt.want)
				}
			}
			if buf.Stats().TotalDropped != 1 {
				t.Errorf("TotalDropped = %d, want 1", buf.Stats().TotalDropped)
			}
		})
	}
}

func TestBuffer_Requeue(t *testing.T) {
	buf := NewBatchBuffer(4, true)
	for i := 0; i < 4; i++ {
		buf.Push(testBatch(i))
	}

	unsent := buf.PopBatch(2)
	buf.Push(testBatch(4))
	buf.Requeue(unsent)

	// 00 01 02 03 04 is one over capacity, the oldest goes
	got := deviceIDs(buf.Peek(4))
	want := []string{"gw-01", "gw-02", "gw-03", "gw-04"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("after Requeue = %v, want %v", got, want)
		}
	}

	stats := buf.Stats()
	if stats.TotalRequeued != 2 || stats.TotalDropped != 1 {
		t.Errorf("stats = %+v", stats)
	}

	buf.Requeue(nil)
	if buf.Size() != 4 {
		t.Errorf("Requeue(nil) changed size to %d", buf.Size())
	}
}

func TestBuffer_Requeue_DropNewest(t *testing.T) {
	buf := NewBatchBuffer(2, false)
	buf.Push(testBatch(1))
	buf.Requeue([]*models.BatchPayload{testBatch(0)})
	buf.Requeue([]*models.BatchPayload{testBatch(9)})

	got := deviceIDs(buf.Peek(2))
	if got[0] != "gw-09" || got[1] != "gw-00" {
		t.Errorf("contents = %v, want requeued batches first and gw-01 dropped", got)
	}
}

func TestBuffer_StatsAndClear(t *testing.T) {
	buf := NewBatchBuffer(10, true)
	for i := 0; i < 5; i++ {
		buf.Push(testBatch(i))
	}
	buf.PopBatch(3)

	stats := buf.Stats()
	if stats.TotalPushed != 5 {
		t.Errorf("TotalPushed = %d, want 5", stats.TotalPushed)
	}
	if stats.HighWaterMark != 5 {
		t.Errorf("HighWaterMark = %d, want 5", stats.HighWaterMark)
	}
	if stats.LastPushTime.IsZero() {
		t.Error("LastPushTime should be set")
	}

	buf.Clear()
	if !buf.IsEmpty() || buf.Stats().TotalPushed != 0 {
		t.Error("Clear should empty the buffer and reset stats")
	}
}

func TestBuffer_String(t *testing.T) {
	buf := NewBatchBuffer(10, false)
	buf.Push(testBatch(1))

	if got := buf.String(); got != "Buffer[1/10, dropped: 0, mode: drop-newest]" {
		t.Errorf("String() = %q", got)
	}
}

func TestBuffer_Concurrent(t *testing.T) {
	buf := NewBatchBuffer(1000, true)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf.Push(testBatch(n))
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				buf.Requeue(buf.PopBatch(5))
				buf.Size()
			}
		}()
	}
	wg.Wait()

	if buf.Size() != 1000 {
		t.Errorf("Size = %d, want 1000", buf.Size())
	}
	if buf.Stats().TotalPushed != 1000 {
		t.Errorf("TotalPushed = %d, want 1000", buf.Stats().TotalPushed)
	}
}
