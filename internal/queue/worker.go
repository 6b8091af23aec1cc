package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/google/uuid"
)

type WorkerConfig struct {
	Log        *slog.Logger
	BufferSize int
}

type request struct {
	id      string
	command Command
}

// Response is the worker's answer to one request. ID echoes the request's
// correlation id.
type Response struct {
	ID     string
	Action Action
	Result any
	Err    error
}

// Worker owns the store on a dedicated goroutine. Callers reach it only by
// sending commands; responses come back on a shared channel and are routed
// to callers by correlation id.
type Worker struct {
	store  *Store
	logger *slog.Logger

	requests  chan request
	responses chan Response

	pendingMu sync.Mutex
	pending   map[string]chan Response

	// owned by the run goroutine
	acked map[string]map[int64]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWorker(store *Store, cfg WorkerConfig) *Worker {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	w := &Worker{
		store:     store,
		logger:    cfg.Log.With("component", "queue_worker"),
		requests:  make(chan request, cfg.BufferSize),
		responses: make(chan Response, cfg.BufferSize),
		pending:   make(map[string]chan Response),
		acked:     make(map[string]map[int64]struct{}),
		done:      make(chan struct{}),
	}

	w.wg.Add(2)
	go w.run()
	go w.dispatch()
	return w
}

// Do sends cmd to the worker and waits for the matching response.
func (w *Worker) Do(ctx context.Context, cmd Command) (Response, error) {
	id := uuid.NewString()
	reply := make(chan Response, 1)

	w.pendingMu.Lock()
	w.pending[id] = reply
	w.pendingMu.Unlock()

	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	select {
	case w.requests <- request{id: id, command: cmd}:
	case <-w.done:
		return Response{}, shared.ErrWorkerClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-reply:
		return resp, resp.Err
	case <-w.done:
		return Response{}, shared.ErrWorkerClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Requester is anything that answers queue commands, usually a *Worker.
type Requester interface {
	Do(ctx context.Context, cmd Command) (Response, error)
}

// Call runs cmd and asserts the typed result.
func Call[T any](ctx context.Context, r Requester, cmd Command) (T, error) {
	var zero T
	resp, err := r.Do(ctx, cmd)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", cmd.Action(), err)
	}
	result, ok := resp.Result.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result %T", cmd.Action(), resp.Result)
	}
	return result, nil
}

func (w *Worker) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			resp := w.handle(req)
			select {
			case w.responses <- resp:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Worker) dispatch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case resp := <-w.responses:
			w.pendingMu.Lock()
			reply, ok := w.pending[resp.ID]
			w.pendingMu.Unlock()
			if !ok {
				w.logger.Debug("dropping response with no waiter", "id", resp.ID, "action", resp.Action)
				continue
			}
			reply <- resp
		}
	}
}

func (w *Worker) handle(req request) (resp Response) {
	resp = Response{ID: req.id, Action: req.command.Action()}
	defer func() {
		if r := recover(); r != nil {
			resp.Err = fmt.Errorf("worker panic: %v", r)
			w.logger.Error("command panicked", "action", resp.Action, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp.Result, resp.Err = w.execute(ctx, req.command)
	if resp.Err != nil && !errors.Is(resp.Err, shared.ErrNotFound) {
		w.logger.Error("command failed", "action", resp.Action, "error", resp.Err)
	}
	return resp
}

func (w *Worker) execute(ctx context.Context, cmd Command) (any, error) {
	switch c := cmd.(type) {
	case ProcessAndQueue:
		return w.processAndQueue(ctx, c)

	case SendBufferedData:
		chunks, err := w.store.OrderedChunks(ctx, c.SessionID)
		return ReadyChunks{SessionID: c.SessionID, Chunks: chunks}, err

	case SendAllBufferedDataForSession:
		if c.SessionID == "" {
			return nil, errors.New("session id required")
		}
		chunks, err := w.store.OrderedChunks(ctx, c.SessionID)
		return ReadyChunks{SessionID: c.SessionID, Chunks: chunks}, err

	case ChunkSuccessfullySent:
		if err := w.store.DeleteChunk(ctx, c.ChunkID); err != nil && !errors.Is(err, shared.ErrNotFound) {
			return nil, err
		}
		count, err := w.store.CountChunks(ctx, c.SessionID)
		return BufferUpdate{SessionID: c.SessionID, Count: count}, err

	case SaveChunkDirectly:
		chunk := &Chunk{
			SessionID:      c.SessionID,
			Payload:        c.Payload,
			MimeType:       c.MimeType,
			Timestamp:      c.Timestamp,
			SequenceNumber: c.SequenceNumber,
		}
		if err := w.store.AppendChunk(ctx, chunk); err != nil {
			return nil, err
		}
		count, err := w.store.CountChunks(ctx, c.SessionID)
		return BufferUpdate{SessionID: c.SessionID, Count: count, ChunkID: chunk.ID}, err

	case SaveTranscript:
		return TranscriptSaved{SessionID: c.SessionID}, w.store.SaveTranscript(ctx, c.SessionID, c.Text)

	case GetTranscript:
		t, err := w.store.GetTranscript(ctx, c.SessionID)
		if errors.Is(err, shared.ErrNotFound) {
			return TranscriptResult{SessionID: c.SessionID}, nil
		}
		if err != nil {
			return nil, err
		}
		return TranscriptResult{SessionID: c.SessionID, Text: t.Text, Found: true}, nil

	case UpdateSession:
		sess, err := w.store.UpsertSession(ctx, c.Patch)
		if err != nil {
			return nil, err
		}
		return SessionUpdated{Session: *sess}, nil

	case GetSessions:
		sessions, err := w.store.Sessions(ctx, c.Statuses...)
		return SessionsResult{Sessions: sessions}, err

	case GetPendingSessions:
		sessions, err := w.store.PendingSessions(ctx)
		return SessionsResult{Sessions: sessions}, err

	case CleanupStalePendingSessions:
		maxAge := c.MaxAge
		if maxAge <= 0 {
			maxAge = 24 * time.Hour
		}
		n, err := w.store.CleanupStalePendingSessions(ctx, maxAge)
		return StaleCleanupResult{Updated: n}, err

	case DeleteSession:
		delete(w.acked, c.SessionID)
		return DeleteResult{SessionID: c.SessionID, Deleted: 1}, w.store.DeleteSession(ctx, c.SessionID)

	case CleanupOldSessions:
		days := c.MaxAgeDays
		if days <= 0 {
			days = defaultRetentionDays
		}
		n, err := w.store.CleanupOldSessions(ctx, days)
		return DeleteResult{Deleted: n}, err

	case CleanupOrphanedChunks:
		n, err := w.store.CleanupOrphanedChunks(ctx)
		return DeleteResult{Deleted: n}, err

	case GetStorageUsage:
		usage, err := w.store.StorageUsage(ctx)
		return UsageResult{Usage: usage}, err

	case PerformAutomaticCleanup:
		return w.store.PerformAutomaticCleanup(ctx, c.ThresholdMB)

	case CleanupSessionChunks:
		delete(w.acked, c.SessionID)
		n, err := w.store.DeleteSessionChunks(ctx, c.SessionID)
		return DeleteResult{SessionID: c.SessionID, Deleted: n}, err

	case ChunkAcknowledged:
		return w.acknowledge(c), nil

	case AdoptChunks:
		if _, err := w.store.ReassignChunks(ctx, c.From, c.To); err != nil {
			return nil, err
		}
		if err := w.store.DeleteSession(ctx, c.From); err != nil {
			w.logger.Warn("failed to drop provisional session", "session_id", c.From, "error", err)
		}
		count, err := w.store.CountChunks(ctx, c.To)
		return BufferUpdate{SessionID: c.To, Count: count}, err

	case Ping:
		return Pong{At: time.Now()}, nil

	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
}

func (w *Worker) processAndQueue(ctx context.Context, c ProcessAndQueue) (ProcessResult, error) {
	if len(c.Data) == 0 {
		return ProcessResult{}, errors.New("empty audio chunk")
	}
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}

	chunk := &Chunk{
		SessionID:      c.SessionID,
		Payload:        base64.StdEncoding.EncodeToString(c.Data),
		MimeType:       c.MimeType,
		Timestamp:      c.Timestamp,
		SequenceNumber: c.SequenceNumber,
	}

	if c.Online {
		return ProcessResult{Ready: chunk}, nil
	}

	if err := w.store.AppendChunk(ctx, chunk); err != nil {
		return ProcessResult{}, err
	}
	count, err := w.store.CountChunks(ctx, c.SessionID)
	if err != nil {
		return ProcessResult{}, err
	}
	return ProcessResult{Buffer: &BufferUpdate{SessionID: c.SessionID, Count: count, ChunkID: chunk.ID}}, nil
}

func (w *Worker) acknowledge(c ChunkAcknowledged) AckResult {
	seen, ok := w.acked[c.SessionID]
	if !ok {
		seen = make(map[int64]struct{})
		w.acked[c.SessionID] = seen
	}

	result := AckResult{SessionID: c.SessionID, SequenceNumber: c.SequenceNumber}
	if _, dup := seen[c.SequenceNumber]; dup {
		result.Duplicate = true
	} else {
		seen[c.SequenceNumber] = struct{}{}
	}
	result.Acknowledged = len(seen)
	return result
}
