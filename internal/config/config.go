package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	RedisAddr             string
	RedisPassword         string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int
	S3Endpoint            string
	S3Region              string
	S3Bucket              string
	S3AccessKey           string
	S3SecretKey           string
	ReplicaID             string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func Load() Config {
	replica := getenv("REPLICA_ID", "")
	if replica == "" {
		replica, _ = os.Hostname()
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=paint port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         getenv("REDIS_PASSWORD", ""),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		S3Endpoint:            getenv("S3_ENDPOINT", ""),
		S3Region:              getenv("S3_REGION", "us-east-1"),
		S3Bucket:              getenv("S3_BUCKET", "paint-images"),
		S3AccessKey:           getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getenv("S3_SECRET_KEY", ""),
		ReplicaID:             replica,
	}
}

// Validate 检查上线环境不允许的缺省值。
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("port required")
	}
	if c.DatabaseDSN == "" {
		return errors.New("database dsn required")
	}
	if c.RedisAddr == "" {
		return errors.New("redis addr required")
	}
	if c.Env == "prod" && c.JWTSecret == "dev-secret-change-me" {
		return errors.New("jwt secret must be set in prod")
	}
	return nil
}
