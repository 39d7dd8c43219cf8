package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSinkConfig describes the redis stream the audit events land on.
type RedisSinkConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately; zero keeps everything.
	MaxLen int64
}

// RedisSink appends audit events to a redis stream so indexers can consume
// them with consumer groups.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects to redis and verifies the connection.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "inheritchain:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisSink{client: client, stream: stream, maxLen: cfg.MaxLen}, nil
}

// Publish implements Sink.
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	if event.At == 0 {
		event.At = time.Now().Unix()
	}
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("encode event fields: %w", err)
	}
	values := map[string]any{
		"type":      string(event.Type),
		"escrow_id": event.EscrowID,
		"chain_id":  strconv.FormatUint(event.ChainID, 10),
		"owner":     event.Owner,
		"at":        strconv.FormatInt(event.At, 10),
		"fields":    string(fields),
	}
	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append event to redis stream: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Sink = (*RedisSink)(nil)
