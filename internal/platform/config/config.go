package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// MinSecretLength is the shortest HMAC secret accepted when no JWKS endpoint
// is configured.
const MinSecretLength = 32

// Config holds all configuration for the gateway.
type Config struct {
	GatewayAddr     string        `validate:"required"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// Backends maps a service key (auth, user, admin, config, cms, default)
	// to its base URL.
	Backends map[string]string `validate:"dive,omitempty,url"`

	Auth      AuthConfig
	ClientIP  ClientIPConfig
	Policy    PolicyConfig
	Errors    ErrorConfig
	Tracing   TracingConfig
	Security  SecurityConfig
	Timeout   TimeoutConfig
	RateLimit RateLimitConfig
	CSRF      CSRFConfig

	MaxBodyBytes int64 `validate:"gt=0"`
}

// CSRFConfig controls the token check on protected paths.
type CSRFConfig struct {
	Enabled bool
	// SecretKey authenticates token cookies; 32 bytes when set.
	SecretKey      string `validate:"omitempty,len=32"`
	InsecureCookie bool
}

// AuthConfig selects the token key source and claim checks.
type AuthConfig struct {
	JWTSecret      string
	JWKSEndpoint   string        `validate:"omitempty,url"`
	JWKSMinRefresh time.Duration `validate:"gt=0"`
	Issuer         string
	Audience       string
	Leeway         time.Duration `validate:"gte=0"`
	Realm          string
}

type ClientIPConfig struct {
	// TrustedProxies is nil when unset; callers then use the built-in ranges.
	TrustedProxies  []string
	UseForwardedFor bool
	UseRealIP       bool
}

type PolicyConfig struct {
	File  string
	Watch bool
}

// ErrorConfig controls what clients see in error bodies.
type ErrorConfig struct {
	ExposeDetails  bool
	SupportContact string `validate:"omitempty,email"`
	FallbackRetry  int    `validate:"gte=0"`
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string  `validate:"required"`
	Exporter    string  `validate:"oneof=none stdout"`
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

type SecurityConfig struct {
	Enabled       bool
	CSPEnabled    bool
	CSPReportOnly bool
	CSPTemplate   string
	HSTSMaxAge    int `validate:"gte=0"`
}

type TimeoutConfig struct {
	Template   string
	RetryAfter int `validate:"gte=0"`
}

// RateLimitConfig picks the key resolver per route class and the cleanup
// cadence of the in-process limiter.
type RateLimitConfig struct {
	PublicResolver        string        `validate:"oneof=ip user session apikey composite"`
	AuthenticatedResolver string        `validate:"oneof=ip user session apikey composite"`
	AdminResolver         string        `validate:"oneof=ip user session apikey composite"`
	CleanupInterval       time.Duration `validate:"gt=0"`
}

// Load reads configuration from environment variables, falling back to defaults.
func Load() Config {
	return Config{
		GatewayAddr:     envOr("GATEWAY_ADDR", ":8080"),
		LogLevel:        strings.ToLower(envOr("LOG_LEVEL", "info")),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		Backends: map[string]string{
			"auth":    envOr("AUTH_SERVICE_URL", "http://localhost:8081"),
			"user":    envOr("USER_SERVICE_URL", "http://localhost:8082"),
			"admin":   envOr("ADMIN_SERVER_URL", "http://localhost:8083"),
			"config":  envOr("CONFIG_SERVICE_URL", "http://localhost:8084"),
			"cms":     envOr("CMS_SERVICE_URL", "http://localhost:8085"),
			"default": envOr("DEFAULT_SERVICE_URL", "http://localhost:8086"),
		},
		Auth: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			JWKSEndpoint:   os.Getenv("JWKS_ENDPOINT"),
			JWKSMinRefresh: envDuration("JWKS_MIN_REFRESH", 5*time.Minute),
			Issuer:         envOr("JWT_ISSUER", "api-gateway"),
			Audience:       envOr("JWT_AUDIENCE", "mysillydreams-api"),
			Leeway:         envDuration("JWT_LEEWAY", 60*time.Second),
			Realm:          envOr("AUTH_REALM", "api"),
		},
		ClientIP: ClientIPConfig{
			TrustedProxies:  envList("TRUSTED_PROXIES", nil),
			UseForwardedFor: envBool("USE_FORWARDED_FOR", true),
			UseRealIP:       envBool("USE_REAL_IP", true),
		},
		Policy: PolicyConfig{
			File:  os.Getenv("POLICY_FILE"),
			Watch: envBool("POLICY_WATCH", false),
		},
		Errors: ErrorConfig{
			ExposeDetails:  envBool("DEBUG", false) || envBool("EXPOSE_ERROR_DETAILS", false),
			SupportContact: envOr("SUPPORT_CONTACT", "support@mysillydreams.com"),
			FallbackRetry:  envInt("FALLBACK_RETRY_AFTER", 30),
		},
		Tracing: TracingConfig{
			Enabled:     envBool("TRACING_ENABLED", true),
			ServiceName: envOr("SERVICE_NAME", "edgegate"),
			Exporter:    strings.ToLower(envOr("TRACING_EXPORTER", "none")),
			SampleRatio: envFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Security: SecurityConfig{
			Enabled:       envBool("SECURITY_HEADERS_ENABLED", true),
			CSPEnabled:    envBool("CSP_ENABLED", true),
			CSPReportOnly: envBool("CSP_REPORT_ONLY", false),
			CSPTemplate:   os.Getenv("CSP_TEMPLATE"),
			HSTSMaxAge:    envInt("HSTS_MAX_AGE", 31536000),
		},
		Timeout: TimeoutConfig{
			Template:   os.Getenv("TIMEOUT_TEMPLATE"),
			RetryAfter: envInt("TIMEOUT_RETRY_AFTER", 30),
		},
		RateLimit: RateLimitConfig{
			PublicResolver:        envOr("RATE_LIMIT_PUBLIC_KEY", "ip"),
			AuthenticatedResolver: envOr("RATE_LIMIT_API_KEY", "user"),
			AdminResolver:         envOr("RATE_LIMIT_ADMIN_KEY", "user"),
			CleanupInterval:       envDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		CSRF: CSRFConfig{
			Enabled:        envBool("CSRF_ENABLED", false),
			SecretKey:      os.Getenv("CSRF_SECRET_KEY"),
			InsecureCookie: envBool("CSRF_INSECURE_COOKIE", false),
		},
		MaxBodyBytes: int64(envInt("MAX_BODY_BYTES", 10<<20)),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}

	if c.Auth.JWKSEndpoint == "" && len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d bytes when JWKS_ENDPOINT is not set", MinSecretLength)
	}
	if c.Policy.Watch && c.Policy.File == "" {
		return errors.New("config: POLICY_WATCH requires POLICY_FILE")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return f
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
