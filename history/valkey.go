package history

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"epiclink/config"
	"epiclink/logging"
	"epiclink/store"
)

// ValkeyRepository archives samples in Valkey sorted sets, one set per
// controller tag, scored by unix milliseconds.
type ValkeyRepository struct {
	client    *redis.Client
	namespace string
}

// entry is the JSON member stored in the sorted set.
type entry struct {
	Tag       string    `json:"tag"`
	Value     float64   `json:"value"`
	Quality   int       `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// NewValkeyRepository connects to the server and verifies it with a ping.
func NewValkeyRepository(cfg *config.ValkeyConfig, namespace string) (*ValkeyRepository, error) {
	if namespace == "" {
		namespace = "epiclink"
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		logging.DebugConnectError("history", cfg.Address, err)
		return nil, fmt.Errorf("history: connect %s: %w", cfg.Address, err)
	}
	logging.DebugConnect("history", cfg.Address)

	return &ValkeyRepository{client: client, namespace: namespace}, nil
}

func (r *ValkeyRepository) key(controller, tag string) string {
	return strings.Join([]string{r.namespace, controller, "history", tag}, ":")
}

// Append records one sample under its tag's sorted set.
func (r *ValkeyRepository) Append(ctx context.Context, controller string, s store.Sample) error {
	tag := s.Tag
	if i := strings.IndexByte(tag, '/'); i >= 0 {
		tag = tag[i+1:]
	}

	data, err := json.Marshal(entry{
		Tag:       tag,
		Value:     s.Value,
		Quality:   int(s.Quality),
		Timestamp: s.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}

	err = r.client.ZAdd(ctx, r.key(controller, tag), redis.Z{
		Score:  float64(s.Timestamp.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("history: append %s: %w", tag, err)
	}
	return nil
}

// Range returns archived samples within the time window, oldest first.
func (r *ValkeyRepository) Range(ctx context.Context, controller, tag string, from, to time.Time) ([]store.Sample, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(controller, tag), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("history: range %s: %w", tag, err)
	}

	out := make([]store.Sample, 0, len(members))
	for _, m := range members {
		var e entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			logging.DebugLog("history", "skipping corrupt entry for %s/%s: %v", controller, tag, err)
			continue
		}
		out = append(out, store.Sample{
			Tag:       controller + "/" + e.Tag,
			Value:     e.Value,
			Quality:   store.Quality(e.Quality),
			Timestamp: e.Timestamp,
		})
	}
	return out, nil
}

// Trim removes archived samples older than the cutoff.
func (r *ValkeyRepository) Trim(ctx context.Context, controller, tag string, olderThan time.Time) (int64, error) {
	removed, err := r.client.ZRemRangeByScore(ctx, r.key(controller, tag),
		"-inf", fmt.Sprintf("(%d", olderThan.UnixMilli())).Result()
	if err != nil {
		return 0, fmt.Errorf("history: trim %s: %w", tag, err)
	}
	return removed, nil
}

// Close releases the client connection.
func (r *ValkeyRepository) Close() error {
	return r.client.Close()
}
