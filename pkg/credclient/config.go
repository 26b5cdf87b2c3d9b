package credclient

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	BaseURL string
	APIKey  string

	Timeout time.Duration

	RetryCount int
	RetryDelay time.Duration

	RateLimit int
	RateBurst int

	CircuitBreakerEnabled bool
	CBFailureThreshold    int
	CBRecoveryTime        time.Duration
	CBMinRequests         int
	CBSamplingDuration    time.Duration
	CBHalfOpenMaxSuccess  int
}

func LoadFromEnv() Config {
	return Config{
		BaseURL: os.Getenv("CRED_SERVICE_URL"),
		APIKey:  os.Getenv("CRED_SERVICE_API_KEY"),

		Timeout: time.Second * time.Duration(getInt("CRED_SERVICE_TIMEOUT", 30)),

		RetryCount: getInt("CRED_SERVICE_RETRY_COUNT", 3),
		RetryDelay: time.Second * time.Duration(getInt("CRED_SERVICE_RETRY_DELAY", 2)),

		RateLimit: getInt("CRED_SERVICE_RATE_LIMIT", 60),
		RateBurst: getInt("CRED_SERVICE_RATE_BURST", 2),

		CircuitBreakerEnabled: getBool("CRED_SERVICE_ENABLE_CIRCUIT_BREAKER", true),
		CBFailureThreshold:    getInt("CRED_SERVICE_CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CBRecoveryTime:        time.Second * time.Duration(getInt("CRED_SERVICE_CIRCUIT_BREAKER_RECOVERY_TIME", 60)),
		CBMinRequests:         getInt("CRED_SERVICE_CIRCUIT_BREAKER_MIN_REQUESTS", 10),
		CBSamplingDuration:    time.Second * time.Duration(getInt("CRED_SERVICE_CIRCUIT_BREAKER_SAMPLING_DURATION", 60)),
		CBHalfOpenMaxSuccess:  getInt("CRED_SERVICE_CIRCUIT_BREAKER_HALF_OPEN_MAX_SUCCESS", 3),
	}
}

func getInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		return v == "true"
	}
	return def
}
