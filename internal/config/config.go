package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon configuration, read from the environment.
type Config struct {
	// ListenAddr is the bind address for the HTTP API.
	ListenAddr string
	// DatabaseURL selects postgres when set; SQLitePath is used otherwise.
	DatabaseURL string
	SQLitePath  string

	// Market A (auction market) settings.
	ChainRPCURL      string
	ChainOwner       string
	DepositTokens    string
	TokenPriceUSD    string
	BlockedProviders []string
	ProxyProvider    string
	// Client certificate presented to provider APIs. Optional; providers
	// reject unauthenticated manifest submissions.
	ProviderCertFile string
	ProviderKeyFile  string

	// Market B (CVM host) settings.
	CvmCLIPath string
	CvmWorkDir string
	// CvmSizeRates maps size classes to hourly base rates in cents,
	// parsed from "small=100,large=400".
	CvmSizeRates        map[string]int64
	CvmDefaultRateCents int64

	// External organization billing API.
	BillingAPIURL string
	BillingAPIKey string

	// Escrow pre-funding window in days.
	PrefundDays int

	// BillingInterval is the scheduler cadence.
	BillingInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", "compute-broker.db"),
		ChainRPCURL:         getEnv("CHAIN_RPC_URL", "http://localhost:26657"),
		ChainOwner:          os.Getenv("CHAIN_OWNER"),
		DepositTokens:       getEnv("CHAIN_DEPOSIT_TOKENS", "5000000"),
		TokenPriceUSD:       getEnv("TOKEN_PRICE_USD", "3.50"),
		BlockedProviders:    splitList(os.Getenv("BLOCKED_PROVIDERS")),
		ProxyProvider:       os.Getenv("PROXY_PROVIDER"),
		ProviderCertFile:    os.Getenv("PROVIDER_CERT_FILE"),
		ProviderKeyFile:     os.Getenv("PROVIDER_KEY_FILE"),
		CvmCLIPath:          getEnv("CVM_CLI_PATH", "cvmctl"),
		CvmWorkDir:          getEnv("CVM_WORK_DIR", os.TempDir()),
		CvmSizeRates:        splitRates(os.Getenv("CVM_SIZE_RATES")),
		CvmDefaultRateCents: int64(getEnvInt("CVM_DEFAULT_RATE_CENTS", 100)),
		BillingAPIURL:       getEnv("BILLING_API_URL", "http://localhost:9090"),
		BillingAPIKey:       os.Getenv("BILLING_API_KEY"),
		PrefundDays:         getEnvInt("ESCROW_PREFUND_DAYS", 30),
		BillingInterval:     getEnvDuration("BILLING_INTERVAL", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitRates(s string) map[string]int64 {
	if s == "" {
		return nil
	}
	rates := map[string]int64{}
	for _, part := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if cents, err := strconv.ParseInt(value, 10, 64); err == nil {
			rates[name] = cents
		}
	}
	return rates
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
