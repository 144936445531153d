package stats

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps the record in one hash. Durations are stored in
// milliseconds.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "wristwake:stats"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Record, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("stats: redis hgetall %s: %w", s.key, err)
	}
	if len(m) == 0 {
		return Record{}, nil
	}

	var rec Record
	parse := func(field string) (int64, error) {
		v, ok := m[field]
		if !ok {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: field %s: %v", ErrCorrupt, field, err)
		}
		return n, nil
	}
	boots, err := parse("boots")
	if err != nil {
		return Record{}, err
	}
	wake, err := parse("wakeup_ms")
	if err != nil {
		return Record{}, err
	}
	off, err := parse("display_off_ms")
	if err != nil {
		return Record{}, err
	}
	up, err := parse("uptime_ms")
	if err != nil {
		return Record{}, err
	}
	updated, err := parse("updated_unix_ms")
	if err != nil {
		return Record{}, err
	}
	rec.Boots = uint32(boots)
	rec.BootID = m["boot_id"]
	rec.WakeupTime = time.Duration(wake) * time.Millisecond
	rec.DisplayOffTime = time.Duration(off) * time.Millisecond
	rec.UptimeSum = time.Duration(up) * time.Millisecond
	if updated > 0 {
		rec.UpdatedAt = time.UnixMilli(updated)
	}
	return rec, nil
}

func (s *RedisStore) Save(ctx context.Context, r Record) error {
	err := s.client.HSet(ctx, s.key, map[string]interface{}{
		"boots":           r.Boots,
		"boot_id":         r.BootID,
		"wakeup_ms":       r.WakeupTime.Milliseconds(),
		"display_off_ms":  r.DisplayOffTime.Milliseconds(),
		"uptime_ms":       r.UptimeSum.Milliseconds(),
		"updated_unix_ms": r.UpdatedAt.UnixMilli(),
	}).Err()
	if err != nil {
		return fmt.Errorf("stats: redis hset %s: %w", s.key, err)
	}
	return nil
}
