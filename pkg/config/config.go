package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds connection parameters and retry tuning for every
// backend. Loaded once at construction and never mutated.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
	Queue       QueueConfig       `json:"queue"`
	Postgres    DatabaseConfig    `json:"postgres"`
	MySQL       DatabaseConfig    `json:"mysql"`
	Search      SearchConfig      `json:"search"`
	Cache       CacheConfig       `json:"cache"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ObjectStoreConfig contains bucket store connection configuration.
type ObjectStoreConfig struct {
	URL            string        `json:"url"`
	APIKey         string        `json:"api_key"`
	Bucket         string        `json:"bucket"`
	ConnRetries    int           `json:"conn_retries"`
	ReconnectSleep time.Duration `json:"reconnect_sleep"`
	ReadRetries    int           `json:"read_retries"`
}

// QueueConfig contains message queue connection configuration.
type QueueConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Password       string        `json:"password"`
	DB             int           `json:"db"`
	Name           string        `json:"name"`
	LongPollWait   time.Duration `json:"long_poll_wait"`
	Visibility     time.Duration `json:"visibility"`
	ConnRetries    int           `json:"conn_retries"`
	ReconnectSleep time.Duration `json:"reconnect_sleep"`
}

// Addr returns the queue endpoint as host:port.
func (c *QueueConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Endpoint is one host/port/credential tuple for a database lane.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// DatabaseConfig contains database connection configuration. Read and
// write traffic may be routed to different physical endpoints (primary
// and replica), so each lane carries its own endpoint.
type DatabaseConfig struct {
	Read           Endpoint      `json:"read"`
	Write          Endpoint      `json:"write"`
	Name           string        `json:"name"`
	SSLMode        string        `json:"ssl_mode"`
	DirtyReads     bool          `json:"dirty_reads"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryWait      time.Duration `json:"retry_wait"`
	ConnRetries    int           `json:"conn_retries"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// SearchConfig contains search engine connection configuration.
type SearchConfig struct {
	Addresses      []string      `json:"addresses"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	RetryAttempts  int           `json:"retry_attempts"`
	ReconnectSleep time.Duration `json:"reconnect_sleep"`
	ConnRetries    int           `json:"conn_retries"`
	ChunkSize      int           `json:"chunk_size"`
}

// CacheConfig contains cache connection configuration with separate
// read and write endpoints.
type CacheConfig struct {
	ReadHost       string        `json:"read_host"`
	ReadPort       int           `json:"read_port"`
	WriteHost      string        `json:"write_host"`
	WritePort      int           `json:"write_port"`
	Password       string        `json:"password"`
	DB             int           `json:"db"`
	ConnRetries    int           `json:"conn_retries"`
	ReconnectSleep time.Duration `json:"reconnect_sleep"`
}

// Load loads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := &Config{
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		ObjectStore: ObjectStoreConfig{
			URL:            getEnvString("OBJECT_STORE_URL", "http://localhost:8000/storage/v1"),
			APIKey:         getEnvString("OBJECT_STORE_API_KEY", ""),
			Bucket:         getEnvString("OBJECT_STORE_BUCKET", "feeds"),
			ConnRetries:    getEnvInt("OBJECT_STORE_CONN_RETRIES", 10),
			ReconnectSleep: getEnvDuration("OBJECT_STORE_RECONNECT_SLEEP", 500*time.Millisecond),
			ReadRetries:    getEnvInt("OBJECT_STORE_READ_RETRIES", 10),
		},
		Queue: QueueConfig{
			Host:           getEnvString("QUEUE_HOST", "localhost"),
			Port:           getEnvInt("QUEUE_PORT", 6379),
			Password:       getEnvString("QUEUE_PASSWORD", ""),
			DB:             getEnvInt("QUEUE_DB", 0),
			Name:           getEnvString("QUEUE_NAME", "feed"),
			LongPollWait:   getEnvDuration("QUEUE_LONG_POLL_WAIT", 20*time.Second),
			Visibility:     getEnvDuration("QUEUE_VISIBILITY", 14*time.Second),
			ConnRetries:    getEnvInt("QUEUE_CONN_RETRIES", 20),
			ReconnectSleep: getEnvDuration("QUEUE_RECONNECT_SLEEP", 500*time.Millisecond),
		},
		Postgres: DatabaseConfig{
			Read: Endpoint{
				Host:     getEnvString("PG_READ_HOST", "localhost"),
				Port:     getEnvInt("PG_READ_PORT", 5432),
				User:     getEnvString("PG_READ_USER", "postgres"),
				Password: getEnvString("PG_READ_PASSWORD", ""),
			},
			Write: Endpoint{
				Host:     getEnvString("PG_WRITE_HOST", "localhost"),
				Port:     getEnvInt("PG_WRITE_PORT", 5432),
				User:     getEnvString("PG_WRITE_USER", "postgres"),
				Password: getEnvString("PG_WRITE_PASSWORD", ""),
			},
			Name:           getEnvString("PG_NAME", "tickets"),
			SSLMode:        getEnvString("PG_SSL_MODE", "disable"),
			DirtyReads:     getEnvBool("PG_DIRTY_READS", false),
			RetryAttempts:  getEnvInt("PG_RETRY_ATTEMPTS", 100),
			RetryWait:      getEnvDuration("PG_RETRY_WAIT", 500*time.Millisecond),
			ConnRetries:    getEnvInt("PG_CONN_RETRIES", 20),
			ConnectTimeout: getEnvDuration("PG_CONNECT_TIMEOUT", 10*time.Second),
		},
		MySQL: DatabaseConfig{
			Read: Endpoint{
				Host:     getEnvString("MYSQL_READ_HOST", "localhost"),
				Port:     getEnvInt("MYSQL_READ_PORT", 3306),
				User:     getEnvString("MYSQL_READ_USER", "root"),
				Password: getEnvString("MYSQL_READ_PASSWORD", ""),
			},
			Write: Endpoint{
				Host:     getEnvString("MYSQL_WRITE_HOST", "localhost"),
				Port:     getEnvInt("MYSQL_WRITE_PORT", 3306),
				User:     getEnvString("MYSQL_WRITE_USER", "root"),
				Password: getEnvString("MYSQL_WRITE_PASSWORD", ""),
			},
			Name:           getEnvString("MYSQL_NAME", "tickets"),
			DirtyReads:     getEnvBool("MYSQL_DIRTY_READS", false),
			RetryAttempts:  getEnvInt("MYSQL_RETRY_ATTEMPTS", 100),
			RetryWait:      getEnvDuration("MYSQL_RETRY_WAIT", 500*time.Millisecond),
			ConnRetries:    getEnvInt("MYSQL_CONN_RETRIES", 20),
			ConnectTimeout: getEnvDuration("MYSQL_CONNECT_TIMEOUT", 10*time.Second),
		},
		Search: SearchConfig{
			Addresses:      getEnvStrings("SEARCH_ADDRESSES", []string{"http://localhost:9200"}),
			Username:       getEnvString("SEARCH_USERNAME", ""),
			Password:       getEnvString("SEARCH_PASSWORD", ""),
			RetryAttempts:  getEnvInt("SEARCH_RETRY_ATTEMPTS", 60),
			ReconnectSleep: getEnvDuration("SEARCH_RECONNECT_SLEEP", time.Second),
			ConnRetries:    getEnvInt("SEARCH_CONN_RETRIES", 10),
			ChunkSize:      getEnvInt("SEARCH_CHUNK_SIZE", 100),
		},
		Cache: CacheConfig{
			ReadHost:       getEnvString("CACHE_READ_HOST", "localhost"),
			ReadPort:       getEnvInt("CACHE_READ_PORT", 6379),
			WriteHost:      getEnvString("CACHE_WRITE_HOST", "localhost"),
			WritePort:      getEnvInt("CACHE_WRITE_PORT", 6379),
			Password:       getEnvString("CACHE_PASSWORD", ""),
			DB:             getEnvInt("CACHE_DB", 0),
			ConnRetries:    getEnvInt("CACHE_CONN_RETRIES", 10),
			ReconnectSleep: getEnvDuration("CACHE_RECONNECT_SLEEP", 500*time.Millisecond),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks for misconfigurations that would only surface as
// connect-time fatals later.
func (c *Config) Validate() error {
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("object store bucket is required")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue name is required")
	}
	if c.Queue.LongPollWait < 0 || c.Queue.LongPollWait > 20*time.Second {
		return fmt.Errorf("queue long poll wait must be between 0 and 20 seconds")
	}
	if len(c.Search.Addresses) == 0 {
		return fmt.Errorf("at least one search address is required")
	}
	return nil
}

// Helper functions for environment variable parsing.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStrings(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
