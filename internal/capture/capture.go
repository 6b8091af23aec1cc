package capture

import (
	"context"
	"time"
)

// Chunk is one slice of encoded audio as produced by a Source.
type Chunk struct {
	Data      []byte
	MimeType  string
	Timestamp time.Time
}

// Source produces audio chunks until stopped. onChunk is called from the
// source's own goroutine and must not block for long.
type Source interface {
	Start(ctx context.Context, onChunk func(Chunk)) error
	Stop() error
	MimeType() string
}

// Permissions reports whether the recorder may open the input device.
type Permissions interface {
	Check(ctx context.Context) error
}
