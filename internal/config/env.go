package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "MCPPROBE_"

var env = os.Getenv

func getEnv(k, d string) string {
	if v := env(envPrefix + k); v != "" {
		return v
	}
	return d
}

func getEnvInt(k string, d int) int {
	if v, err := strconv.Atoi(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func getEnvFloat(k string, d float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(k, ""), 64); err == nil {
		return v
	}
	return d
}

func getEnvBool(k string, d bool) bool {
	if v, err := strconv.ParseBool(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("2.5").
func getEnvDuration(k string, d time.Duration) time.Duration {
	v := getEnv(k, "")
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return d
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// csvValue binds a comma separated flag to a string slice.
type csvValue struct {
	dst *[]string
}

func newCSVValue(dst *[]string) *csvValue { return &csvValue{dst: dst} }

func (c *csvValue) String() string {
	if c == nil || c.dst == nil {
		return ""
	}
	return strings.Join(*c.dst, ",")
}

func (c *csvValue) Set(v string) error {
	*c.dst = splitComma(v)
	return nil
}
