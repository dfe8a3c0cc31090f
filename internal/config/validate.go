package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"portal-auth/internal/observability"
)

const (
	MinSecretLength = 32

	generatedSecretBytes = 64
	minDistinctRunes     = 8
)

var ErrConfiguration = errors.New("invalid configuration")

// Values shipped in tutorials and .env templates.
var weakSecrets = []string{
	"secret",
	"changeme",
	"change-me",
	"change_me",
	"password",
	"default",
	"jwt-secret",
	"jwt_secret",
	"jwtsecret",
	"mysecret",
	"supersecret",
	"your-secret-key",
	"your_secret_key",
	"your-jwt-secret",
	"your_jwt_secret",
	"development-secret",
	"test-secret",
	"please-change-this-secret-in-production",
	"your-super-secret-jwt-key-change-in-production",
}

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Validate gates the configuration before any listener opens. In
// production every problem is fatal. Elsewhere problems are logged and the
// service degrades: a weak secret is replaced by an ephemeral one and a
// missing database selects the in-memory stores.
func Validate(cfg Config, logger *observability.Logger) (Config, error) {
	var problems []string
	secretProblem := checkSecret(cfg.JWTSecret)
	if secretProblem != "" {
		problems = append(problems, secretProblem)
	}
	if cfg.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if cfg.Env == Production && cfg.EnvRaw != string(Production) && cfg.EnvRaw != "prod" {
		problems = append(problems, fmt.Sprintf("APP_ENV %q is not recognised", cfg.EnvRaw))
	}
	if cfg.Env == Production {
		problems = append(problems, checkOrigins(cfg.AllowedOrigins)...)
	}
	sinkProblem := checkSink(cfg)
	if sinkProblem != "" {
		problems = append(problems, sinkProblem)
	}

	if cfg.Env == Production {
		if len(problems) > 0 {
			return cfg, &ValidationError{Problems: problems}
		}
		return cfg, nil
	}

	for _, problem := range problems {
		logger.Warn("config_warning", map[string]any{"problem": problem, "env": string(cfg.Env)})
	}

	if secretProblem != "" {
		secret, err := GenerateSecret()
		if err != nil {
			return cfg, fmt.Errorf("%w: generate ephemeral secret: %v", ErrConfiguration, err)
		}
		cfg.JWTSecret = secret
		cfg.SecretGenerated = true
		logger.Warn("ephemeral_jwt_secret", map[string]any{
			"detail": "using a random in-memory signing secret; restarting the process invalidates every issued token",
		})
	}
	if cfg.DatabaseURL == "" {
		logger.Warn("in_memory_store", map[string]any{
			"detail": "DATABASE_URL not set; users and activity are kept in memory",
		})
	}
	if sinkProblem != "" || (cfg.DatabaseURL == "" && cfg.ActivitySink == SinkPostgres) {
		cfg.ActivitySink = SinkMemory
	}

	return cfg, nil
}

func checkSecret(secret string) string {
	switch {
	case secret == "":
		return "JWT_SECRET is required"
	case len(secret) < MinSecretLength:
		return fmt.Sprintf("JWT_SECRET must be at least %d characters", MinSecretLength)
	case isWeakSecret(secret):
		return "JWT_SECRET is a known weak value"
	}
	return ""
}

func isWeakSecret(secret string) bool {
	for _, weak := range weakSecrets {
		if strings.EqualFold(secret, weak) {
			return true
		}
	}
	distinct := make(map[rune]struct{})
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	return len(distinct) < minDistinctRunes
}

func checkOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"ALLOWED_ORIGINS is required in production"}
	}

	var problems []string
	for _, origin := range origins {
		if origin == "*" {
			problems = append(problems, "ALLOWED_ORIGINS must not contain a wildcard")
			continue
		}
		parsed, err := url.Parse(origin)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" ||
			(parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" {
			problems = append(problems, fmt.Sprintf("ALLOWED_ORIGINS entry %q is not an absolute http(s) origin", origin))
			continue
		}
		if isLoopback(parsed.Hostname()) {
			problems = append(problems, fmt.Sprintf("ALLOWED_ORIGINS entry %q points at a loopback host", origin))
		}
	}
	return problems
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

func checkSink(cfg Config) string {
	switch cfg.ActivitySink {
	case SinkMemory:
	case SinkPostgres:
		if cfg.DatabaseURL == "" && cfg.Env == Production {
			return "ACTIVITY_SINK=postgres requires DATABASE_URL"
		}
	case SinkRedis:
		if cfg.RedisURL == "" {
			return "ACTIVITY_SINK=redis requires REDIS_URL"
		}
	case SinkNATS:
		if cfg.NATSURL == "" {
			return "ACTIVITY_SINK=nats requires NATS_URL"
		}
	default:
		return fmt.Sprintf("ACTIVITY_SINK %q is not supported", cfg.ActivitySink)
	}
	return ""
}

// GenerateSecret returns a hex encoded random signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
