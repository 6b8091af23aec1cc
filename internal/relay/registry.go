package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/eleven-am/voice-recorder/internal/shared"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionTTL = 24 * time.Hour

// Registry keeps relay sessions in redis so a restarted relay, or a second
// instance, can answer for sessions it did not create.
type Registry struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRegistry(redisClient *redis.Client) *Registry {
	return &Registry{redis: redisClient, ttl: sessionTTL}
}

func (r *Registry) Create(ctx context.Context, clientID, mimeType string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		Status:       shared.StatusRecording,
		StartTime:    unixSeconds(now),
		MimeType:     mimeType,
		LastActiveAt: now,
	}
	if err := r.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.redis.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Save writes the session and indexes it under its client. A session that
// moved to a new client is dropped from the old client's set.
func (r *Registry) Save(ctx context.Context, sess *Session) error {
	sess.LastActiveAt = time.Now()
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, sess.RedisKey(), data, r.ttl)
	if sess.ClientID != "" {
		pipe.SAdd(ctx, clientKey(sess.ClientID), sess.ID)
		pipe.Expire(ctx, clientKey(sess.ClientID), r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Claim moves a session to clientID, as happens when a client resumes a
// session after reconnecting with a new identity.
func (r *Registry) Claim(ctx context.Context, sess *Session, clientID string) error {
	if sess.ClientID == clientID {
		return r.Save(ctx, sess)
	}
	old := sess.ClientID
	sess.ClientID = clientID
	if err := r.Save(ctx, sess); err != nil {
		return err
	}
	if old != "" {
		return r.redis.SRem(ctx, clientKey(old), sess.ID).Err()
	}
	return nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	sess, err := r.Get(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	if sess.ClientID != "" {
		pipe.SRem(ctx, clientKey(sess.ClientID), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ClientSessions returns the live sessions of one client. Ids whose
// session has expired are pruned from the index.
func (r *Registry) ClientSessions(ctx context.Context, clientID string) ([]*Session, error) {
	ids, err := r.redis.SMembers(ctx, clientKey(clientID)).Result()
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			r.redis.SRem(ctx, clientKey(clientID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if sess.ClientID != clientID {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Disconnected parks every recording of a client that dropped its
// connection as pending completion.
func (r *Registry) Disconnected(ctx context.Context, clientID string) (int, error) {
	sessions, err := r.ClientSessions(ctx, clientID)
	if err != nil {
		return 0, err
	}
	parked := 0
	for _, sess := range sessions {
		if sess.Status != shared.StatusRecording {
			continue
		}
		sess.Status = shared.StatusPendingCompletion
		sess.PendingFinalization = true
		if err := r.Save(ctx, sess); err != nil {
			return parked, err
		}
		parked++
	}
	return parked, nil
}
