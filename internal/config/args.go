package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/bluerobotics/blueos-recorder/internal/logging"
)

// ExpandArgs expands $VAR and ${VAR} in every argument. An argument that
// references an unset variable is kept verbatim and a warning is logged.
func ExpandArgs(args []string, logger *slog.Logger) []string {
	logger = logging.Default(logger)
	out := make([]string, len(args))
	for i, arg := range args {
		var missing []string
		expanded := os.Expand(arg, func(name string) string {
			v, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
			}
			return v
		})
		if len(missing) > 0 {
			logger.Warn("argument references unset environment variables, keeping it as is",
				"arg", arg, "vars", missing)
			out[i] = arg
			continue
		}
		out[i] = expanded
	}
	return out
}

// ParseParams turns KEY=VALUE pairs into a map. Later pairs win. Entries
// without '=' or with an empty key are skipped with a warning.
func ParseParams(pairs []string, logger *slog.Logger) map[string]string {
	logger = logging.Default(logger)
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			logger.Warn("ignoring parameter, expected KEY=VALUE", "param", pair)
			continue
		}
		params[key] = value
	}
	return params
}
