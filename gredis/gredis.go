package gredis

import (
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"

	"go-feishu-sync/conf"
)

var db *redis.Client

// Setup connects the shared client. Fatal when redis is configured but
// unreachable; snapshot persistence silently degrading would mean a
// surprise full resync later.
func Setup() {
	config := conf.Config.Redis
	db = redis.NewClient(&redis.Options{
		Addr:        config.Host,
		Password:    config.Password,
		DB:          config.DB,
		IdleTimeout: config.IdleTimeout,
		PoolSize:    config.PoolSize,
		MaxRetries:  config.MaxRetries,
	})

	pong, err := db.Ping().Result()
	if err != nil {
		log.Fatalf("redis connect err: %v", err)
	}
	log.Infof("redis connected: %v", pong)
}

func Close() {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		log.Errorf("close redis err: %v", err)
	}
}

func Set(key string, value interface{}, timeout time.Duration) error {
	return db.Set(key, value, timeout).Err()
}

func Get(key string) ([]byte, error) {
	return db.Get(key).Bytes()
}

func GetString(key string) (string, error) {
	return db.Get(key).Result()
}

func Delete(key string) error {
	return db.Del(key).Err()
}
