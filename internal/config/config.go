package config

import (
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is assembled from environment variables; main loads .env first.
type Config struct {
	Port   string
	DBPath string

	RateURL          string
	RateTTL          time.Duration
	RateFetchTimeout time.Duration

	ProviderTimeout   time.Duration
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
	ReconcileExpiry   time.Duration

	WebhookURL string

	AfriPayBaseURL    string
	AfriPayAPIKey     string
	AfriPayAPISecret  string
	AfriPayAdjustment string // "raw" or "vat"
	AfriPayVATRate    decimal.Decimal
	AfriPayCountries  []string
	AfriPayCeiling    decimal.Decimal

	// Routes maps "category:COUNTRY" to a comma-separated provider priority
	// list, parsed from ROUTES, e.g.
	// "topup:KE=afripay;topup:NG=afripay,nairagateway".
	Routes map[string][]string
}

func Load() Config {
	return Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("DB_PATH", "settler.db"),

		RateURL:          os.Getenv("RATE_URL"),
		RateTTL:          getDuration("RATE_TTL", time.Hour),
		RateFetchTimeout: getDuration("RATE_FETCH_TIMEOUT", 3*time.Second),

		ProviderTimeout:   getDuration("PROVIDER_TIMEOUT", 30*time.Second),
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReconcileAfter:    getDuration("RECONCILE_AFTER", 2*time.Minute),
		ReconcileExpiry:   getDuration("RECONCILE_EXPIRY", 30*time.Minute),

		WebhookURL: os.Getenv("WEBHOOK_URL"),

		AfriPayBaseURL:    os.Getenv("AFRIPAY_BASE_URL"),
		AfriPayAPIKey:     os.Getenv("AFRIPAY_API_KEY"),
		AfriPayAPISecret:  os.Getenv("AFRIPAY_API_SECRET"),
		AfriPayAdjustment: getEnv("AFRIPAY_ADJUSTMENT", "raw"),
		AfriPayVATRate:    getDecimal("AFRIPAY_VAT_RATE", "0.16"),
		AfriPayCountries:  getList("AFRIPAY_COUNTRIES", "KE,NG,ZA,MX"),
		AfriPayCeiling:    getDecimal("AFRIPAY_CEILING", "0"),

		Routes: parseRoutes(getEnv("ROUTES",
			"topup:KE=afripay;topup:NG=afripay;topup:ZA=afripay;topup:MX=afripay")),
	}
}

// --- helpers ---

func getEnv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getDuration(k string, d time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return d
}

func getDecimal(k, d string) decimal.Decimal {
	if v := os.Getenv(k); v != "" {
		if parsed, err := decimal.NewFromString(v); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(d)
}

func getList(k, d string) []string {
	return splitTrim(getEnv(k, d), ",")
}

func parseRoutes(s string) map[string][]string {
	routes := make(map[string][]string)
	for _, entry := range splitTrim(s, ";") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		routes[strings.TrimSpace(parts[0])] = splitTrim(parts[1], ",")
	}
	return routes
}

func splitTrim(s, sep string) []string {
	var out []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
