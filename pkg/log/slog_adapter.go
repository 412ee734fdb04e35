package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.ChannelID != 0 {
		attrs = append(attrs, slog.Uint64("channel_id", uint64(event.ChannelID)))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	// Add type-specific attributes
	switch {
	case event.Chunk != nil:
		attrs = append(attrs,
			slog.String("chunk_type", event.Chunk.Type),
			slog.Int("chunk_size", event.Chunk.Size),
		)
		if event.Chunk.Flag != "" {
			attrs = append(attrs, slog.String("chunk_flag", event.Chunk.Flag))
		}
		if event.Chunk.SequenceNumber != 0 {
			attrs = append(attrs, slog.Uint64("seq", uint64(event.Chunk.SequenceNumber)))
		}
		if event.Chunk.RequestID != 0 {
			attrs = append(attrs, slog.Uint64("request_id", uint64(event.Chunk.RequestID)))
		}
		if event.Chunk.TokenID != 0 {
			attrs = append(attrs, slog.Uint64("token_id", uint64(event.Chunk.TokenID)))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	level := slog.LevelDebug
	if event.Category == CategoryError {
		level = slog.LevelWarn
	}
	a.logger.LogAttrs(context.Background(), level, "protocol event", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
