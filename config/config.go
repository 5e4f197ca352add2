package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

var ErrMissing = errors.New("missing required setting")

type Config struct {
	// ApiUrl is the wall server REST root, e.g. https://host/api.
	ApiUrl string
	// PushUrl is the websocket push channel.
	PushUrl string
	// Token is the bearer token of the acting user.
	Token   string
	OwnerID string

	PageSize   int
	RetryDelay time.Duration

	DBUrl      string
	ServerPort string
}

// Load reads settings from the environment, after loading envFile if it
// exists.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading %s: %w", envFile, err)
		} else if err != nil {
			glog.V(1).Infof("[config]no %s, using the environment\n", envFile)
		}
	}

	config := &Config{
		ApiUrl:     getEnv("WALL_API_URL", ""),
		PushUrl:    getEnv("WALL_PUSH_URL", ""),
		Token:      getEnv("WALL_TOKEN", ""),
		OwnerID:    getEnv("WALL_OWNER", ""),
		PageSize:   getEnvInt("WALL_PAGE_SIZE", 10),
		RetryDelay: getEnvDuration("WALL_RETRY_DELAY", 2*time.Second),
		DBUrl:      getEnv("DB_URL", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),
	}
	return config, nil
}

// Validate checks the settings a running feed view needs.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"WALL_API_URL", c.ApiUrl},
		{"WALL_TOKEN", c.Token},
		{"WALL_OWNER", c.OwnerID},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s", ErrMissing, r.name)
		}
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("WALL_PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	return nil
}

func getEnv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		glog.Warningf("[config]%s=%q is not a number, using %d\n", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		glog.Warningf("[config]%s=%q is not a duration, using %s\n", key, value, fallback)
		return fallback
	}
	return d
}
