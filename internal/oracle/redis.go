package oracle

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisOracle reads prices that an external price pusher keeps in Redis as
// hashes under "price:<feed_id>" with fields value, expo, conf, publish_time.
type RedisOracle struct {
	client *redis.Client
	prefix string
}

func NewRedisOracle(addr, password string, db int) *RedisOracle {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisOracle{client: client, prefix: "price:"}
}

// Ensure RedisOracle implements the Oracle interface
var _ Oracle = (*RedisOracle)(nil)

func (o *RedisOracle) GetPrice(ctx context.Context, feedID string) (Price, error) {
	fields, err := o.client.HGetAll(ctx, o.prefix+feedID).Result()
	if err != nil {
		return Price{}, fmt.Errorf("redis price %s: %w", feedID, err)
	}
	if len(fields) == 0 {
		return Price{}, fmt.Errorf("%w: no reading for %s", ErrInvalidPriceFeed, feedID)
	}

	p := Price{FeedID: feedID}
	if p.Value, err = strconv.ParseInt(fields["value"], 10, 64); err != nil {
		return Price{}, fmt.Errorf("%w: value: %v", ErrInvalidPriceFeed, err)
	}
	expo, err := strconv.ParseInt(fields["expo"], 10, 32)
	if err != nil {
		return Price{}, fmt.Errorf("%w: expo: %v", ErrInvalidPriceFeed, err)
	}
	p.Expo = int32(expo)
	if p.Conf, err = strconv.ParseUint(fields["conf"], 10, 64); err != nil {
		return Price{}, fmt.Errorf("%w: conf: %v", ErrInvalidPriceFeed, err)
	}
	if p.PublishTime, err = strconv.ParseInt(fields["publish_time"], 10, 64); err != nil {
		return Price{}, fmt.Errorf("%w: publish_time: %v", ErrInvalidPriceFeed, err)
	}
	return p, nil
}

// SetPrice writes a reading, used by the dev price pusher and tests.
func (o *RedisOracle) SetPrice(ctx context.Context, p Price) error {
	return o.client.HSet(ctx, o.prefix+p.FeedID,
		"value", p.Value,
		"expo", p.Expo,
		"conf", p.Conf,
		"publish_time", p.PublishTime,
	).Err()
}

func (o *RedisOracle) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}

func (o *RedisOracle) Close() error {
	return o.client.Close()
}
