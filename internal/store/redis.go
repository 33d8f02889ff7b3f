package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/opscore/opscore/internal/common/errors"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// maxLatestTxRetries bounds optimistic-lock retries on the latest-state
// compare-on-timestamp transaction.
const maxLatestTxRetries = 5

// RedisStore provides Redis-backed persistence. Records are JSON values
// under structured keys; state history is a capped list, newest first.
type RedisStore struct {
	client *redis.Client
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store backed by the Redis instance at addr.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   db,
		}),
	}
}

func keyRegistration(agentID string) string { return fmt.Sprintf("agent:%s:registration", agentID) }
func keyStateLatest(agentID string) string  { return fmt.Sprintf("agent:%s:state:latest", agentID) }
func keyStateHistory(agentID string) string { return fmt.Sprintf("agent:%s:state:history", agentID) }
func keySession(sessionID string) string    { return fmt.Sprintf("session:%s", sessionID) }
func keyWorkflow(workflowID string) string  { return fmt.Sprintf("workflow:%s", workflowID) }

// SaveAgentRegistration stores a registration with SETNX semantics.
func (s *RedisStore) SaveAgentRegistration(ctx context.Context, reg *v1.AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return apperrors.StorageError("saveAgentRegistration", err)
	}

	ok, err := s.client.SetNX(ctx, keyRegistration(reg.AgentID), data, 0).Result()
	if err != nil {
		return apperrors.StorageError("saveAgentRegistration", err)
	}
	if !ok {
		return apperrors.AgentAlreadyExists(reg.AgentID)
	}
	return nil
}

// GetAgentRegistration retrieves a registration by agent id.
func (s *RedisStore) GetAgentRegistration(ctx context.Context, agentID string) (*v1.AgentRegistration, error) {
	data, err := s.client.Get(ctx, keyRegistration(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.AgentNotFound(agentID)
	}
	if err != nil {
		return nil, apperrors.StorageError("getAgentRegistration", err)
	}

	var reg v1.AgentRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, apperrors.StorageError("getAgentRegistration", err)
	}
	return &reg, nil
}

// AgentExists reports whether a registration exists for the agent id.
func (s *RedisStore) AgentExists(ctx context.Context, agentID string) (bool, error) {
	n, err := s.client.Exists(ctx, keyRegistration(agentID)).Result()
	if err != nil {
		return false, apperrors.StorageError("agentExists", err)
	}
	return n > 0, nil
}

// SaveAgentState appends to the history list and updates the latest key
// iff the new timestamp is not older than the stored one. The check and
// the write run inside a WATCH transaction so concurrent callbacks for
// the same agent cannot interleave between compare and set.
func (s *RedisStore) SaveAgentState(ctx context.Context, state *v1.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return apperrors.StorageError("saveAgentState", err)
	}

	latestKey := keyStateLatest(state.AgentID)
	historyKey := keyStateHistory(state.AgentID)

	txn := func(tx *redis.Tx) error {
		newer := true
		raw, err := tx.Get(ctx, latestKey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// no latest yet
		case err != nil:
			return err
		default:
			var existing v1.AgentState
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			newer = !state.Timestamp.Before(existing.Timestamp)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPush(ctx, historyKey, data)
			pipe.LTrim(ctx, historyKey, 0, HistoryRetention-1)
			if newer {
				pipe.Set(ctx, latestKey, data, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxLatestTxRetries; i++ {
		err := s.client.Watch(ctx, txn, latestKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return apperrors.StorageError("saveAgentState", err)
	}
	return apperrors.StorageError("saveAgentState", redis.TxFailedErr)
}

// GetLatestAgentState returns the latest state for an agent, or nil when
// no state has ever been recorded.
func (s *RedisStore) GetLatestAgentState(ctx context.Context, agentID string) (*v1.AgentState, error) {
	data, err := s.client.Get(ctx, keyStateLatest(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.StorageError("getLatestAgentState", err)
	}

	var state v1.AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperrors.StorageError("getLatestAgentState", err)
	}
	return &state, nil
}

// GetAgentStateHistory returns up to limit state records, newest first.
// limit <= 0 returns the full retained history.
func (s *RedisStore) GetAgentStateHistory(ctx context.Context, agentID string, limit int) ([]*v1.AgentState, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raws, err := s.client.LRange(ctx, keyStateHistory(agentID), 0, stop).Result()
	if err != nil {
		return nil, apperrors.StorageError("getAgentStateHistory", err)
	}

	result := make([]*v1.AgentState, 0, len(raws))
	for _, raw := range raws {
		var state v1.AgentState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, apperrors.StorageError("getAgentStateHistory", err)
		}
		result = append(result, &state)
	}
	return result, nil
}

// CreateSession stores a new session with SETNX semantics.
func (s *RedisStore) CreateSession(ctx context.Context, session *v1.WorkflowSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return apperrors.StorageError("createSession", err)
	}

	ok, err := s.client.SetNX(ctx, keySession(session.SessionID), data, 0).Result()
	if err != nil {
		return apperrors.StorageError("createSession", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*v1.WorkflowSession, error) {
	data, err := s.client.Get(ctx, keySession(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.SessionNotFound(sessionID)
	}
	if err != nil {
		return nil, apperrors.StorageError("getSession", err)
	}

	var session v1.WorkflowSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, apperrors.StorageError("getSession", err)
	}
	return &session, nil
}

// UpdateSession replaces an existing session record.
func (s *RedisStore) UpdateSession(ctx context.Context, session *v1.WorkflowSession) error {
	key := keySession(session.SessionID)

	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return apperrors.StorageError("updateSession", err)
	}
	if n == 0 {
		return apperrors.SessionNotFound(session.SessionID)
	}

	data, err := json.Marshal(session)
	if err != nil {
		return apperrors.StorageError("updateSession", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return apperrors.StorageError("updateSession", err)
	}
	return nil
}

// DeleteSession removes a session by id.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, keySession(sessionID)).Result()
	if err != nil {
		return apperrors.StorageError("deleteSession", err)
	}
	if n == 0 {
		return apperrors.SessionNotFound(sessionID)
	}
	return nil
}

// SaveWorkflowDefinition stores a definition under its id.
func (s *RedisStore) SaveWorkflowDefinition(ctx context.Context, def *v1.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return apperrors.StorageError("saveWorkflowDefinition", err)
	}
	if err := s.client.Set(ctx, keyWorkflow(def.ID), data, 0).Err(); err != nil {
		return apperrors.StorageError("saveWorkflowDefinition", err)
	}
	return nil
}

// GetWorkflowDefinition retrieves a definition by id.
func (s *RedisStore) GetWorkflowDefinition(ctx context.Context, workflowID string) (*v1.WorkflowDefinition, error) {
	data, err := s.client.Get(ctx, keyWorkflow(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.WorkflowDefinitionNotFound(workflowID)
	}
	if err != nil {
		return nil, apperrors.StorageError("getWorkflowDefinition", err)
	}

	var def v1.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, apperrors.StorageError("getWorkflowDefinition", err)
	}
	return &def, nil
}

// ClearAll flushes the configured database. Test and setup use only.
func (s *RedisStore) ClearAll(ctx context.Context) error {
	if err := s.client.FlushDB(ctx).Err(); err != nil {
		return apperrors.StorageError("clearAll", err)
	}
	return nil
}

// Ping verifies the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return apperrors.StorageError("ping", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
