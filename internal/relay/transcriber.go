package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/eleven-am/voice-recorder/internal/fallback"
)

// Transcriber turns audio into text for the relay. Real speech recognition
// lives in the production service; the relay only needs something that
// behaves like it on the wire.
type Transcriber interface {
	Transcribe(ctx context.Context, sessionID string, audio []byte, sequence int64) (string, error)
	Note(ctx context.Context, sessionID, transcript string) (string, error)
}

// EchoTranscriber describes each chunk instead of recognising it.
type EchoTranscriber struct{}

func (EchoTranscriber) Transcribe(_ context.Context, _ string, audio []byte, sequence int64) (string, error) {
	return fmt.Sprintf("[chunk %d: %d bytes]", sequence, len(audio)), nil
}

func (EchoTranscriber) Note(_ context.Context, _ string, transcript string) (string, error) {
	return fallback.FallbackNote(strings.TrimSpace(transcript)), nil
}
