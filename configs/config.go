package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppDir           string
	Variant          string
	EnvFile          string
	EnvTemplate      string
	SuccessTailLines int
	FailureTailLines int
	EchoOutput       bool

	LogLevel    string
	LogEncoding string

	LockBackend   string
	LockName      string
	LockTTL       time.Duration
	RedisHost     string
	RedisPort     string
	EtcdEndpoints []string

	HistoryEnabled bool
	DBHost         string
	DBPort         string
	DBUser         string
	DBPassword     string
	DBName         string

	LogStore          string
	LogDir            string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	PushgatewayURL string
	OtelEnabled    bool
	OtelEndpoint   string

	APIPort   string
	JWTSecret string

	MinFreeDiskMB uint64
	MinFreeMemMB  uint64
}

func LoadConfig() *Config {
	appDir := getEnv("APP_DIR", ".")
	return &Config{
		AppDir:           appDir,
		Variant:          getEnv("DEPLOY_VARIANT", "ephemeral"),
		EnvFile:          getEnv("ENV_FILE", ".env"),
		EnvTemplate:      getEnv("ENV_TEMPLATE", ".env.example"),
		SuccessTailLines: getEnvAsInt("TAIL_SUCCESS_LINES", 3),
		FailureTailLines: getEnvAsInt("TAIL_FAILURE_LINES", 10),
		EchoOutput:       getEnvAsBool("ECHO_OUTPUT", false),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),

		LockBackend:   getEnv("LOCK_BACKEND", "none"),
		LockName:      getEnv("LOCK_NAME", "stagehand/deploy"),
		LockTTL:       time.Duration(getEnvAsInt("LOCK_TTL", 3600)) * time.Second,
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		EtcdEndpoints: getEnvAsList("ETCD_ENDPOINTS", "localhost:2379"),

		HistoryEnabled: getEnvAsBool("HISTORY_ENABLED", false),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "stagehand"),
		DBPassword:     getEnv("DB_PASSWORD", "password"),
		DBName:         getEnv("DB_NAME", "stagehand"),

		LogStore:          getEnv("LOG_STORE", "none"),
		LogDir:            getEnv("LOG_DIR", "/var/log/stagehand"),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "deploys/"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),

		PushgatewayURL: getEnv("PUSHGATEWAY_URL", ""),
		OtelEnabled:    getEnvAsBool("OTEL_ENABLED", false),
		OtelEndpoint:   getEnv("OTEL_ENDPOINT", "localhost:4318"),

		APIPort:   getEnv("API_PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", ""),

		MinFreeDiskMB: getEnvAsUint("MIN_FREE_DISK_MB", 512),
		MinFreeMemMB:  getEnvAsUint("MIN_FREE_MEM_MB", 128),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsUint clamps negative values to 0, which disables a threshold.
func getEnvAsUint(key string, fallback uint64) uint64 {
	value, err := strconv.ParseInt(strings.TrimSpace(getEnv(key, "")), 10, 64)
	if err != nil {
		return fallback
	}
	if value < 0 {
		return 0
	}
	return uint64(value)
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
