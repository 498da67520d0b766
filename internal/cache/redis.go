package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	redisGenSetKey = "bloxberg:gens"
	redisKeyPrefix = "bloxberg:gen:"
)

type RedisTLSOptions struct {
	Enabled bool
	CAFile  string
}

type RedisOptions struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSOptions
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects a valkey-backed generation store so cached generations
// survive process restarts and can be shared by replicas.
func NewRedis(cfg RedisOptions) (GenerationStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func (s *redisStore) Lookup(ctx context.Context, generation, key string) (StoredResponse, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(entryKey(generation, key)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return StoredResponse{}, false, nil
		}
		return StoredResponse{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return StoredResponse{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var stored StoredResponse
	if err := json.Unmarshal(payload, &stored); err != nil {
		return StoredResponse{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return stored, true, nil
}

func (s *redisStore) Store(ctx context.Context, generation, key string, stored StoredResponse) error {
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	valueKey := entryKey(generation, key)
	if err := s.client.Do(ctx, s.client.B().Set().Key(valueKey).Value(string(payload)).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(keysetKey(generation)).Member(valueKey).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis keyset add: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(redisGenSetKey).Member(generation).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis generation add: %w", err)
	}
	return nil
}

func (s *redisStore) Generations(ctx context.Context) ([]string, error) {
	resp := s.client.Do(ctx, s.client.B().Smembers().Key(redisGenSetKey).Build())
	tags, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis generations: %w", err)
	}
	return tags, nil
}

func (s *redisStore) DeleteGeneration(ctx context.Context, generation string) error {
	keyset := keysetKey(generation)
	keys, err := s.client.Do(ctx, s.client.B().Smembers().Key(keyset).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("cache: redis keyset read: %w", err)
	}
	if len(keys) > 0 {
		if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("cache: redis delete entries: %w", err)
		}
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keyset).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis delete keyset: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Srem().Key(redisGenSetKey).Member(generation).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis generation remove: %w", err)
	}
	return nil
}

func (s *redisStore) Size(ctx context.Context, generation string) (int64, error) {
	size, err := s.client.Do(ctx, s.client.B().Scard().Key(keysetKey(generation)).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("cache: redis size: %w", err)
	}
	return size, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func entryKey(generation, key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s%s:%016x", redisKeyPrefix, generation, h.Sum64())
}

func keysetKey(generation string) string {
	return redisKeyPrefix + generation + ":keys"
}
