package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps dead-lettered tasks in Redis when no database is
// configured: a hash of entries plus a sorted-set index per kind, scored by
// creation time.
type RedisStore struct {
	R      *redis.Client
	Prefix string
}

func (s RedisStore) entriesKey() string {
	if s.Prefix == "" {
		return "queue:dlq:entries"
	}
	return s.Prefix + ":dlq:entries"
}

func (s RedisStore) indexKey(kind string) string {
	if kind == "" {
		kind = "*all"
	}
	if s.Prefix == "" {
		return "queue:dlq:index:" + kind
	}
	return fmt.Sprintf("%s:dlq:index:%s", s.Prefix, kind)
}

func (s RedisStore) InsertQueueDlq(ctx context.Context, entry DLQEntry) (uuid.UUID, error) {
	if s.R == nil {
		return uuid.Nil, ErrStoreUnavailable
	}
	entry = withDefaults(entry)
	raw, err := json.Marshal(entry)
	if err != nil {
		return uuid.Nil, err
	}
	score := float64(entry.CreatedAt.UnixNano())
	id := entry.ID.String()
	_, err = s.R.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.entriesKey(), id, raw)
		p.ZAdd(ctx, s.indexKey(entry.Kind), redis.Z{Score: score, Member: id})
		p.ZAdd(ctx, s.indexKey(""), redis.Z{Score: score, Member: id})
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

func (s RedisStore) DeleteQueueDlq(ctx context.Context, id uuid.UUID) error {
	if s.R == nil {
		return ErrStoreUnavailable
	}
	entry, err := s.GetQueueDlq(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.R.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, s.entriesKey(), id.String())
		p.ZRem(ctx, s.indexKey(entry.Kind), id.String())
		p.ZRem(ctx, s.indexKey(""), id.String())
		return nil
	})
	return err
}

func (s RedisStore) GetQueueDlq(ctx context.Context, id uuid.UUID) (DLQEntry, error) {
	if s.R == nil {
		return DLQEntry{}, ErrStoreUnavailable
	}
	raw, err := s.R.HGet(ctx, s.entriesKey(), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return DLQEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return DLQEntry{}, err
	}
	var entry DLQEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return DLQEntry{}, err
	}
	return entry, nil
}

func (s RedisStore) ListQueueDlq(ctx context.Context, kind string, limit, offset int) ([]DLQEntry, error) {
	if s.R == nil {
		return nil, ErrStoreUnavailable
	}
	limit = listLimit(limit)
	offset = max(offset, 0)
	ids, err := s.R.ZRevRange(ctx, s.indexKey(strings.TrimSpace(kind)), int64(offset), int64(offset+limit-1)).Result()
	if err != nil || len(ids) == 0 {
		return []DLQEntry{}, err
	}
	raws, err := s.R.HMGet(ctx, s.entriesKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]DLQEntry, 0, len(raws))
	for _, v := range raws {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var entry DLQEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s RedisStore) CountQueueDlq(ctx context.Context, kind string) (int64, error) {
	if s.R == nil {
		return 0, ErrStoreUnavailable
	}
	return s.R.ZCard(ctx, s.indexKey(strings.TrimSpace(kind))).Result()
}

func (s RedisStore) QueueDlqSizeByKind(ctx context.Context) (map[string]int64, error) {
	if s.R == nil {
		return nil, ErrStoreUnavailable
	}
	all, err := s.R.HVals(ctx, s.entriesKey()).Result()
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64)
	for _, raw := range all {
		var entry DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		result[entry.Kind]++
	}
	return result, nil
}
