// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to the subject to form the hash key.
const DefaultKeyPrefix = "mqtt_acl:"

// Store persists access-control entries.
type Store interface {
	// SetPermission upserts the mask for one topic filter of subject.
	SetPermission(ctx context.Context, subject, filter string, perm Permission) error
	// DeletePermissions removes every entry of subject.
	DeletePermissions(ctx context.Context, subject string) error
	// Permissions returns all entries of subject. Unknown subjects yield an
	// empty map.
	Permissions(ctx context.Context, subject string) (map[string]Permission, error)
}

// RedisOptions configures OpenRedisStore.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// RedisStore keeps entries in Redis hashes, one hash per subject.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix means
// DefaultKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects to Redis and checks the connection with PING.
func OpenRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	s := NewRedisStore(client, opts.KeyPrefix)
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Key returns the hash key holding subject's entries.
func (s *RedisStore) Key(subject string) string {
	return s.prefix + subject
}

// SetPermission implements Store with HSET.
func (s *RedisStore) SetPermission(ctx context.Context, subject, filter string, perm Permission) error {
	return s.client.HSet(ctx, s.Key(subject), filter, int(perm)).Err()
}

// DeletePermissions implements Store with DEL.
func (s *RedisStore) DeletePermissions(ctx context.Context, subject string) error {
	return s.client.Del(ctx, s.Key(subject)).Err()
}

// Permissions implements Store with HGETALL. Fields whose value is not a
// valid mask are skipped.
func (s *RedisStore) Permissions(ctx context.Context, subject string) (map[string]Permission, error) {
	raw, err := s.client.HGetAll(ctx, s.Key(subject)).Result()
	if err != nil {
		return nil, err
	}
	perms := make(map[string]Permission, len(raw))
	for filter, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || !Permission(n).Valid() {
			continue
		}
		perms[filter] = Permission(n)
	}
	return perms, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close releases the client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
