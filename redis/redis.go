package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	log "github.com/sirupsen/logrus"
)

type Client = redis.Client

const ErrNil = redis.Nil

type PubSub = redis.PubSub

// NewClient connects to the server at uri and verifies it answers.
func NewClient(ctx context.Context, uri string) (*Client, error) {
	options, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis uri")
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	log.WithField("component", "redis").Infof("connected, addr=%s db=%d", options.Addr, options.DB)
	return client, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
