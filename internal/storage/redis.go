package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/oracled/pkg/config"
	"github.com/cmatc13/oracled/pkg/errors"
)

const (
	// Record key prefix, one JSON document per market
	recordKeyPrefix = "resolution:"

	// Sorted set of market ids scored by update time
	feedKey = "resolutions:feed"
)

// Connect opens a Redis client from cfg and checks it with PING.
// A URL takes precedence over the address fields.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.StorageWrapWithCode(err, errors.OpConnect, errors.StorageErrConnection, "invalid redis url")
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, errors.StorageWrapWithCode(err, errors.OpConnect, errors.StorageErrConnection, "failed to connect to redis")
	}
	return client, nil
}

// RedisStore keeps records in Redis so every process shares one view.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a store on client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Save stores rec and moves its market to the head of the feed atomically.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.StorageWrapWithCode(err, errors.OpSerialize, errors.StorageErrSerialization, "failed to encode record")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKeyPrefix+rec.MarketID, data, 0)
		pipe.ZAdd(ctx, feedKey, &redis.Z{Score: float64(rec.UpdatedAt.UnixNano()), Member: rec.MarketID})
		return nil
	})
	if err != nil {
		return errors.StorageWrapWithCode(err, errors.OpSet, errors.StorageErrWrite, "failed to save record")
	}
	return nil
}

// Get returns the record for marketID.
func (s *RedisStore) Get(ctx context.Context, marketID string) (Record, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+marketID).Bytes()
	if err == redis.Nil {
		return Record{}, notFound(marketID)
	}
	if err != nil {
		return Record{}, errors.StorageWrapWithCode(err, errors.OpGet, errors.StorageErrRead, "failed to read record")
	}
	return decode(data)
}

// Latest returns up to limit records, newest first.
func (s *RedisStore) Latest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	ids, err := s.client.ZRevRange(ctx, feedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.StorageWrapWithCode(err, errors.OpList, errors.StorageErrRead, "failed to read feed")
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKeyPrefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.StorageWrapWithCode(err, errors.OpList, errors.StorageErrRead, "failed to read records")
	}

	out := make([]Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired or deleted between the two reads.
			continue
		}
		rec, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.StorageWrapWithCode(err, errors.OpDeserialize, errors.StorageErrDeserialization, "failed to decode record")
	}
	return rec, nil
}
