package redisstream

import (
	"github.com/redis/go-redis/v9"
)

// Settings holds Redis configuration shared by the session store and the
// Watermill Redis Streams transport.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "chat-relay",
		Consumer: "relay-1",
	}
}

// NewClient returns a go-redis client for s. The caller owns it.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}
