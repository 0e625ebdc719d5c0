package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

var (
	// Set via CLASP_DEBUG in the environment
	Debug bool
	// Set via CLASP_HOST in the environment
	Host string
	// Set via CLASP_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CLASP_STRICT in the environment
	Strict bool
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CLASP_DEBUG":        {"CLASP_DEBUG", Debug, "Show additional debug information (e.g. CLASP_DEBUG=1)"},
		"CLASP_HOST":         {"CLASP_HOST", Host, "IP address and port for the server (default 127.0.0.1:11435)"},
		"CLASP_NUM_PARALLEL": {"CLASP_NUM_PARALLEL", NumParallel, "Maximum number of concurrent generation sessions (default 1)"},
		"CLASP_STRICT":       {"CLASP_STRICT", Strict, "Treat cache/shape mismatches as fatal instead of logging and continuing"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel returns the slog level implied by CLASP_DEBUG.
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func init() {
	NumParallel = 1
	Host = "127.0.0.1:11435"

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("CLASP_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if strict := clean("CLASP_STRICT"); strict != "" {
		s, err := strconv.ParseBool(strict)
		if err == nil {
			Strict = s
		} else {
			Strict = true
		}
	}

	if host := clean("CLASP_HOST"); host != "" {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, "11435")
		}
		Host = host
	}

	if onp := clean("CLASP_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CLASP_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}
}
