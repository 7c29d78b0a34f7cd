package blocklist

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const (
	addressSetKey = "warden:blocklist:addresses"
	domainSetKey  = "warden:blocklist:domains"
)

// RedisSource serves a blocklist shared through Redis sets
type RedisSource struct {
	client *redis.Client
}

// NewRedisSource creates a Redis-backed blocklist source
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) ContainsAddress(ctx context.Context, address string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, addressSetKey, address).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist address lookup: %w", err)
	}
	return ok, nil
}

func (s *RedisSource) ContainsDomain(ctx context.Context, host string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, domainSetKey, host).Result()
	if err != nil {
		return false, fmt.Errorf("blocklist domain lookup: %w", err)
	}
	return ok, nil
}

// Seed adds entries to the shared sets after normalising them and
// reports how many were not already present. A malformed entry rejects
// the whole list before anything is written.
func (s *RedisSource) Seed(ctx context.Context, list List) (int64, error) {
	var addresses, domains []any
	for _, a := range list.Addresses {
		norm, err := core.ValidateWalletAddress(a)
		if err != nil {
			return 0, fmt.Errorf("blocklist address %q: %w", a, err)
		}
		addresses = append(addresses, norm)
	}
	for _, d := range list.Domains {
		norm, err := core.NormalizeHost(d)
		if err != nil {
			return 0, fmt.Errorf("blocklist domain %q: %w", d, err)
		}
		domains = append(domains, norm)
	}

	var adds []*redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(addresses) > 0 {
			adds = append(adds, pipe.SAdd(ctx, addressSetKey, addresses...))
		}
		if len(domains) > 0 {
			adds = append(adds, pipe.SAdd(ctx, domainSetKey, domains...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("seed blocklist: %w", err)
	}

	var added int64
	for _, cmd := range adds {
		added += cmd.Val()
	}
	return added, nil
}

// SeedFile loads the YAML blocklist at path into the shared sets.
func (s *RedisSource) SeedFile(ctx context.Context, path string) (int64, error) {
	list, err := ReadList(path)
	if err != nil {
		return 0, err
	}
	return s.Seed(ctx, list)
}

var _ ports.BlocklistSource = (*RedisSource)(nil)
