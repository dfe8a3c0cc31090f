package config

import (
	"strconv"
	"strings"
	"time"
)

// Getenv matches os.Getenv so tests can pass a map lookup instead.
type Getenv func(string) string

// FromMap adapts a map to Getenv.
func FromMap(values map[string]string) Getenv {
	return func(name string) string { return values[name] }
}

func (g Getenv) orDefault(name, fallback string) string {
	value := strings.TrimSpace(g(name))
	if value == "" {
		return fallback
	}
	return value
}

func (g Getenv) intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(g(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func (g Getenv) secondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(g.intOrDefault(name, fallback)) * time.Second
}

func (g Getenv) minutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(g.intOrDefault(name, fallback)) * time.Minute
}

func (g Getenv) hoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(g.intOrDefault(name, fallback)) * time.Hour
}

func (g Getenv) daysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(g.intOrDefault(name, fallback)) * 24 * time.Hour
}

func (g Getenv) boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(g(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (g Getenv) list(name string) []string {
	var out []string
	for _, item := range strings.Split(g(name), ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// BoolOrDefault is exported for entry points that read a flag before the
// full configuration is loaded.
func BoolOrDefault(getenv Getenv, name string, fallback bool) bool {
	return getenv.boolOrDefault(name, fallback)
}
