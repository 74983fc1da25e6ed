package store

import (
	"context"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisStoreRegistry = "offline-cache:stores"

// RedisBackend is a Backend persisted in redis, for deployments where
// several proxy instances share one cache. Each named store is one redis
// hash keyed by "method url"; store names are tracked in a registry set.
type RedisBackend struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisBackend(addr string) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisBackend{
		client: client,
		ctx:    context.Background(),
	}
}

func redisStoreKey(name string) string {
	return "offline-cache:store:" + name
}

func (r *RedisBackend) Open(name string) Cache {
	r.client.SAdd(r.ctx, redisStoreRegistry, name)
	return &redisCache{backend: r, name: name}
}

func (r *RedisBackend) Delete(name string) error {
	if err := r.client.Del(r.ctx, redisStoreKey(name)).Err(); err != nil {
		return err
	}
	return r.client.SRem(r.ctx, redisStoreRegistry, name).Err()
}

func (r *RedisBackend) List(prefix string) ([]string, error) {
	members, err := r.client.SMembers(r.ctx, redisStoreRegistry).Result()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0)
	for _, name := range members {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

type redisCache struct {
	backend *RedisBackend
	name    string
}

func redisField(method, url string) string {
	return method + " " + url
}

func (c *redisCache) Match(method, url string) (*http.Response, error) {
	bts, err := c.backend.client.HGet(c.backend.ctx, redisStoreKey(c.name), redisField(method, url)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return BytesToResponse(bts)
}

func (c *redisCache) Put(method, url string, res *http.Response) error {
	bts, err := ResponseToBytes(res)
	if err != nil {
		return err
	}
	return c.backend.client.HSet(c.backend.ctx, redisStoreKey(c.name), redisField(method, url), bts).Err()
}

func (c *redisCache) Delete(method, url string) (bool, error) {
	removed, err := c.backend.client.HDel(c.backend.ctx, redisStoreKey(c.name), redisField(method, url)).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

func (c *redisCache) Keys() ([]Key, error) {
	fields, err := c.backend.client.HKeys(c.backend.ctx, redisStoreKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		parts := strings.SplitN(field, " ", 2)
		if len(parts) != 2 {
			continue
		}
		keys = append(keys, Key{Method: parts[0], URL: parts[1]})
	}
	return keys, nil
}
