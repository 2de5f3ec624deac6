package ingestlog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/afroash/climate-ingest/internal/metrics"
	"github.com/afroash/climate-ingest/internal/models"
	"github.com/afroash/climate-ingest/internal/storage"
)

type memoryWriter struct {
	entries []*models.IngestionLogEntry
	err     error
}

func (w *memoryWriter) InsertIngestionLog(_ context.Context, e *models.IngestionLogEntry) error {
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, e)
	return nil
}

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	messages []published
	err      error
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.messages = append(p.messages, published{topic: topic, payload: payload})
	return p.err
}

func TestRecord_FillsIdentityAndTime(t *testing.T) {
	w := &memoryWriter{}
	l := New(w, zerolog.Nop())
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	entry := &models.IngestionLogEntry{Source: models.SourceSensor, Status: models.StatusSuccess}
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if len(w.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(w.entries))
	}
	if _, err := uuid.Parse(entry.InvocationID); err != nil {
		t.Errorf("InvocationID %q is not a uuid: %v", entry.InvocationID, err)
	}
	if !entry.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", entry.CreatedAt, fixed)
	}
	if entry.Details == nil {
		t.Error("Details should never be nil")
	}
}

func TestRecord_KeepsExistingInvocationID(t *testing.T) {
	w := &memoryWriter{}
	l := New(w, zerolog.Nop())

	entry := models.NewIngestionLogEntry(models.SourceWeather, models.StatusSuccess)
	entry.InvocationID = "fixed-id"
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}
	if entry.InvocationID != "fixed-id" {
		t.Errorf("InvocationID = %q, want fixed-id", entry.InvocationID)
	}
}

func TestRecord_Publishes(t *testing.T) {
	w := &memoryWriter{}
	p := &fakePublisher{}
	l := New(w, zerolog.Nop(), WithPublisher(p, "home/ingest"), WithMetrics(metrics.New()))

	entry := models.NewIngestionLogEntry(models.SourceWeather, models.StatusSuccess).WithDetail("attempts", 2)
	entry.ReadingsCount = 4
	if err := l.Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	if len(p.messages) != 1 {
		t.Fatalf("published = %d, want 1", len(p.messages))
	}
	if p.messages[0].topic != "home/ingest/weather" {
		t.Errorf("topic = %q", p.messages[0].topic)
	}

	var got models.IngestionLogEntry
	if err := json.Unmarshal(p.messages[0].payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.ReadingsCount != 4 || got.Details["attempts"] != float64(2) {
		t.Errorf("payload = %+v", got)
	}
}

func TestRecord_PublishFailureIsNotFatal(t *testing.T) {
	w := &memoryWriter{}
	p := &fakePublisher{err: errors.New("broker down")}
	l := New(w, zerolog.Nop(), WithPublisher(p, "x"))

	if err := l.Record(context.Background(), models.NewIngestionLogEntry(models.SourceSensor, models.StatusSuccess)); err != nil {
		t.Fatalf("Record should succeed when only the mirror fails: %v", err)
	}
	if len(w.entries) != 1 {
		t.Error("entry should still be stored")
	}
}

func TestRecord_StoreFailure(t *testing.T) {
	w := &memoryWriter{err: errors.New("disk full")}
	p := &fakePublisher{}
	l := New(w, zerolog.Nop(), WithPublisher(p, "x"))

	err := l.Record(context.Background(), models.NewIngestionLogEntry(models.SourceSensor, models.StatusError))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(p.messages) != 0 {
		t.Error("entry should not be mirrored when the durable write failed")
	}
}

func TestRecord_StoreFailureNotCounted(t *testing.T) {
	tests := []struct {
		name        string
		writeErr    error
		invocations int
		lost        int
	}{
		{"stored", nil, 1, 0},
		{"lost", errors.New("disk full"), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			l := New(&memoryWriter{err: tt.writeErr}, zerolog.Nop(), WithMetrics(m))

			l.Record(context.Background(), models.NewIngestionLogEntry(models.SourceSensor, models.StatusSuccess))

			got, err := testutil.GatherAndCount(m.Registry(), "ingestion_invocations_total")
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.invocations {
				t.Errorf("invocation series = %d, want %d", got, tt.invocations)
			}
			lost, err := testutil.GatherAndCount(m.Registry(), "ingestion_log_write_failures_total")
			if err != nil {
				t.Fatal(err)
			}
			if lost != tt.lost {
				t.Errorf("write failure series = %d, want %d", lost, tt.lost)
			}
		})
	}
}

func TestRecord_SQLiteStore(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	l := New(store, zerolog.Nop())
	ctx := context.Background()

	entry := models.NewIngestionLogEntry(models.SourceSensor, models.StatusRateLimited).WithError("Rate limit exceeded")
	if err := l.Record(ctx, entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := store.RecentIngestionLogs(ctx, models.SourceSensor, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != models.StatusRateLimited {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].InvocationID != entry.InvocationID {
		t.Errorf("InvocationID = %q, want %q", entries[0].InvocationID, entry.InvocationID)
	}
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type fakeMQTTClient struct {
	mqtt.Client
	token *fakeToken
	qos   byte
	topic string
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, _ bool, _ interface{}) mqtt.Token {
	c.topic = topic
	c.qos = qos
	return c.token
}

func TestMQTTPublisher(t *testing.T) {
	done := make(chan struct{})
	close(done)
	client := &fakeMQTTClient{token: &fakeToken{done: done}}

	if err := NewMQTTPublisher(client, time.Second).Publish("a/b", []byte("{}")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if client.qos != 1 || client.topic != "a/b" {
		t.Errorf("published with qos=%d topic=%q", client.qos, client.topic)
	}

	client.token = &fakeToken{done: make(chan struct{})}
	if err := NewMQTTPublisher(client, 10*time.Millisecond).Publish("a/b", nil); err == nil {
		t.Error("expected timeout error")
	}
}
