package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/ledger/internal/models"
)

// seenTTL bounds how long a delivered event id is remembered
const seenTTL = 24 * time.Hour

// RedisSink pushes events as JSON onto a list for downstream consumers. A
// SETNX guard per event id keeps redelivered events off the list.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Record(ctx context.Context, event models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	seen := s.seenKey(event.ID)
	fresh, err := s.client.SetNX(ctx, seen, 1, seenTTL).Result()
	if err != nil {
		return fmt.Errorf("guard audit event %s: %w", event.ID, err)
	}
	if !fresh {
		return nil
	}

	if err := s.client.RPush(ctx, s.key, string(data)).Err(); err != nil {
		pushErr := fmt.Errorf("push audit event %s: %w", event.ID, err)
		// release the guard so the retry can push
		if delErr := s.client.Del(ctx, seen).Err(); delErr != nil {
			return errors.Join(pushErr, fmt.Errorf("release guard %s: %w", seen, delErr))
		}
		return pushErr
	}
	return nil
}

func (s *RedisSink) seenKey(id string) string {
	return s.key + ":seen:" + id
}
