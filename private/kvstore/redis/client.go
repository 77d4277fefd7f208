// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package redis implements kvstore.Store on a redis server.
package redis

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/stashpost/stashpost/private/kvstore"
)

var (
	// Error is a redis kvstore error class.
	Error = errs.Class("redis kvstore")

	mon = monkit.Package()
)

// Client implements kvstore.Store using a single redis database.
type Client struct {
	db *redis.Client
}

var _ kvstore.Store = (*Client)(nil)

// OpenClient returns a Client, verifying a successful connection to redis.
func OpenClient(ctx context.Context, address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	// ping here to verify we are able to connect to redis with the initialized client.
	if err := client.db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}

	return client, nil
}

// OpenClientFrom returns a Client from a redis:// address, verifying a
// successful connection to redis.
func OpenClientFrom(ctx context.Context, address string) (*Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()

	db := 0
	if dbstr := q.Get("db"); dbstr != "" {
		db, err = strconv.Atoi(dbstr)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return OpenClient(ctx, redisurl.Host, q.Get("password"), db)
}

// Get looks up the provided key from redis.
func (client *Client) Get(ctx context.Context, key string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := client.db.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.New("get error: %v", err)
	}
	return value, nil
}

// Put stores the value under key with the given ttl.
func (client *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl < 0 {
		ttl = 0
	}
	if err := client.db.Set(ctx, key, value, ttl).Err(); err != nil {
		return Error.New("put error: %v", err)
	}
	return nil
}

// Delete removes the key from redis.
func (client *Client) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := client.db.Del(ctx, key).Err(); err != nil {
		return Error.New("delete error: %v", err)
	}
	return nil
}

// TimelineAdd records member in a sorted set scored by unix time.
func (client *Client) TimelineAdd(ctx context.Context, timeline, member string, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.db.ZAdd(ctx, timeline, redis.Z{
		Score:  float64(at.Unix()),
		Member: member,
	}).Err()
	if err != nil {
		return Error.New("timeline add error: %v", err)
	}
	return nil
}

// TimelineTrim drops members recorded strictly before the given time.
func (client *Client) TimelineTrim(ctx context.Context, timeline string, before time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	max := "(" + strconv.FormatInt(before.Unix(), 10)
	if err := client.db.ZRemRangeByScore(ctx, timeline, "-inf", max).Err(); err != nil {
		return Error.New("timeline trim error: %v", err)
	}
	return nil
}

// TimelineRange returns members recorded in [from, to], oldest first.
func (client *Client) TimelineRange(ctx context.Context, timeline string, from, to time.Time) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	members, err := client.db.ZRangeByScore(ctx, timeline, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.Unix(), 10),
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, Error.New("timeline range error: %v", err)
	}
	return members, nil
}

// Ping verifies the connection to redis.
func (client *Client) Ping(ctx context.Context) error {
	return Error.Wrap(client.db.Ping(ctx).Err())
}

// Close closes the underlying redis client.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
