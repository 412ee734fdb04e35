package log

import (
	"path/filepath"
	"testing"
	"time"
)

func sampleEvent(channelID uint32, category Category) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-1",
		ChannelID:    channelID,
		Direction:    DirectionOut,
		Layer:        LayerChannel,
		Category:     category,
		Chunk: &ChunkEvent{
			Type:           "MSG",
			Flag:           "FINAL",
			Size:           64,
			SequenceNumber: 3,
			RequestID:      7,
			TokenID:        1,
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := sampleEvent(5, CategoryChunk)

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if got.ConnectionID != event.ConnectionID || got.ChannelID != event.ChannelID {
		t.Errorf("identifiers mismatch: %+v", got)
	}
	if got.Chunk == nil || got.Chunk.SequenceNumber != 3 || got.Chunk.TokenID != 1 {
		t.Errorf("chunk payload mismatch: %+v", got.Chunk)
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	logger.Log(sampleEvent(1, CategoryChunk))
	logger.Log(sampleEvent(2, CategoryChunk))
	logger.Log(sampleEvent(2, CategoryError))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Log after close is silently ignored.
	logger.Log(sampleEvent(3, CategoryChunk))

	reader, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer reader.Close()

	all, err := reader.ReadAll(nil)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ReadAll() returned %d events, want 3", len(all))
	}
}

func TestReaderFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.cbor")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	logger.Log(sampleEvent(1, CategoryChunk))
	logger.Log(sampleEvent(2, CategoryError))
	logger.Close()

	reader, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer reader.Close()

	channelID := uint32(2)
	events, err := reader.ReadAll(&Filter{ChannelID: &channelID})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(events) != 1 || events[0].Category != CategoryError {
		t.Errorf("filtered events = %+v, want the channel-2 error event", events)
	}
}

func TestTruncateChunkData(t *testing.T) {
	small := make([]byte, 16)
	clipped, truncated := TruncateChunkData(small)
	if truncated || len(clipped) != 16 {
		t.Errorf("small data clipped: %d, %v", len(clipped), truncated)
	}

	big := make([]byte, MaxChunkDataSize+1)
	clipped, truncated = TruncateChunkData(big)
	if !truncated || len(clipped) != MaxChunkDataSize {
		t.Errorf("big data not clipped: %d, %v", len(clipped), truncated)
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b countingLogger
	multi := NewMultiLogger(&a, &b)
	multi.Log(sampleEvent(1, CategoryChunk))
	multi.Log(sampleEvent(1, CategoryChunk))

	if a.count != 2 || b.count != 2 {
		t.Errorf("counts = %d, %d, want 2, 2", a.count, b.count)
	}
}

type countingLogger struct {
	count int
}

func (c *countingLogger) Log(Event) { c.count++ }
