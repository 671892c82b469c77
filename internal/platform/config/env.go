package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// layers returns the environment sources ordered from lowest to highest precedence:
// dotenv file, process environment, explicit map.
func (o loaderOptions) layers() ([]map[string]string, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	out := []map[string]string{dotenv}
	if o.useSystemEnv {
		out = append(out, processEnv())
	}
	return append(out, o.envMap), nil
}

func readDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	values, err := godotenv.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}

func processEnv() map[string]string {
	env := os.Environ()
	values := make(map[string]string, len(env))
	for _, entry := range env {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			values[key] = value
		}
	}
	return values
}

// reader looks keys up across layers and records values that fail to parse.
type reader struct {
	layers  []map[string]string
	invalid []string
}

func (r *reader) raw(key string) string {
	for i := len(r.layers) - 1; i >= 0; i-- {
		if value, ok := r.layers[i][key]; ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (r *reader) str(key, fallback string) string {
	if value := r.raw(key); value != "" {
		return value
	}
	return fallback
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	value := r.raw(key)
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	value := r.raw(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, key)
		return fallback
	}
	return n
}

func (r *reader) flag(key string, fallback bool) bool {
	switch strings.ToLower(r.raw(key)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.invalid = append(r.invalid, key)
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (r *reader) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(r.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name2=value2" with lower-cased names. Malformed entries are skipped.
func (r *reader) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(r.raw(key), ",") {
		name, value, ok := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
