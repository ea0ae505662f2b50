package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hervehildenbrand/bgp-features/pkg/aggregate"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "bgp:features:"
	redisPipelineBatch = 500
	defaultRedisTTL    = 48 * time.Hour
)

// RedisSink stores each row as a hash and indexes the keys of a table in a set.
//
//	bgp:features:<day>:<keyspace>        SET of row keys
//	bgp:features:<day>:<keyspace>:<key>  HASH column -> value
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink creates a sink from a Redis URL and verifies the connection.
func NewRedisSink(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSink, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisSinkWithClient(client, ttl), nil
}

// NewRedisSinkWithClient creates a sink around an existing client.
func NewRedisSinkWithClient(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Name implements Sink.
func (s *RedisSink) Name() string {
	return "redis"
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

func tableKey(meta TableMeta, keyspace string) string {
	return redisKeyPrefix + meta.DayString() + ":" + meta.Scope() + ":" + keyspace
}

func rowKey(meta TableMeta, keyspace, key string) string {
	return tableKey(meta, keyspace) + ":" + key
}

func rowFields(row *aggregate.FeatureRow) map[string]interface{} {
	values := row.Values()
	fields := make(map[string]interface{}, len(values))
	for i, col := range aggregate.Columns {
		fields[col] = values[i]
	}
	return fields
}

// Write implements Sink.
func (s *RedisSink) Write(ctx context.Context, meta TableMeta, table *aggregate.Table) error {
	index := tableKey(meta, table.Keyspace)

	for start := 0; start < len(table.Rows); start += redisPipelineBatch {
		end := start + redisPipelineBatch
		if end > len(table.Rows) {
			end = len(table.Rows)
		}

		pipe := s.client.Pipeline()
		for i := start; i < end; i++ {
			row := &table.Rows[i]
			key := rowKey(meta, table.Keyspace, row.Key)
			pipe.HSet(ctx, key, rowFields(row))
			pipe.Expire(ctx, key, s.ttl)
			pipe.SAdd(ctx, index, row.Key)
		}
		pipe.Expire(ctx, index, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis pipeline: %w", err)
		}
	}

	log.Printf("[redis] Wrote %d rows under %s", len(table.Rows), index)
	return nil
}
