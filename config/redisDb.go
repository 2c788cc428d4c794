package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB is nil when Redis is not configured; every helper below is then a no-op
// that reports a miss.
func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

func GetRedisObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	val, ok, err := GetRedisValue(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func GetRedisValue(ctx context.Context, key string) (string, bool, error) {
	if rdb == nil {
		return "", false, nil
	}
	val, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func SetRedisObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, b, exp).Err()
}

func SetRedisValue(ctx context.Context, key string, value string, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	return rdb.Set(ctx, key, value, exp).Err()
}

// AddRedisSet adds member and pushes the set's expiry out to exp.
func AddRedisSet(ctx context.Context, setKey string, member string, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, setKey, member)
		if exp > 0 {
			pipe.Expire(ctx, setKey, exp)
		}
		return nil
	})
	return err
}

func RemoveRedisSetMember(ctx context.Context, setKey string, member string) error {
	if rdb == nil {
		return nil
	}
	return rdb.SRem(ctx, setKey, member).Err()
}

func RemoveRedisKey(ctx context.Context, keys ...string) error {
	if rdb == nil || len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}

func init() {
	godotenv.Load()
}

func redisOptionsFromEnv() *redis.Options {
	opts := &redis.Options{
		Addr:     os.Getenv("REDIS_ADDRESS"),
		Password: os.Getenv("REDIS_PASSWORD"),
		PoolSize: 100,
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil && v >= 0 {
		opts.DB = v
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_POOL_SIZE")); err == nil && v > 0 {
		opts.PoolSize = v
	}
	return opts
}

// ConnectRedisWithRetry sets the Redis client and the lock client. maxAttempts <= 0
// retries forever. Redis is optional: with REDIS_ADDRESS unset the engine runs on the
// in-memory bus, without sessions and without cross-instance job locks.
func ConnectRedisWithRetry(maxAttempts int) bool {
	opts := redisOptionsFromEnv()
	if opts.Addr == "" {
		log.Printf("REDIS_ADDRESS not set; running without redis")
		return false
	}

	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(rdb)
			log.Printf("connected to redis (attempt=%d addr=%s db=%d)", attempt, opts.Addr, opts.DB)
			return true
		}
		_ = client.Close()
		if maxAttempts > 0 && attempt >= maxAttempts {
			log.Printf("giving up on redis after %d attempts: %v", attempt, err)
			return false
		}
		sleep := min(time.Second*time.Duration(1<<min(attempt, 5)), 30*time.Second)
		log.Printf("redis not reachable (attempt=%d addr=%s): %v; retrying in %s", attempt, opts.Addr, err, sleep)
		time.Sleep(sleep)
	}
}
