// Package cli implements the ingest operator commands.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lsm/ingest/internal/config"
)

// DefaultConfigPath is used when neither --config nor INGEST_CONFIG is set.
const DefaultConfigPath = "./job.yaml"

func isHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

// parseRepeatedFlag returns every value given for flag, in order.
func parseRepeatedFlag(args []string, flag string) ([]string, error) {
	var out []string
	for i := 0; i < len(args); i++ {
		if args[i] != flag {
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("flag %s requires a value", flag)
		}
		out = append(out, args[i+1])
		i++
	}
	return out, nil
}

func parseIntFlag(args []string, flag string, defaultVal int) (int, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: must be an integer", flag)
	}
	if val < 1 {
		return 0, fmt.Errorf("invalid value for %s: must be >= 1", flag)
	}
	return val, nil
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

// configPath resolves the job definition path: --config, then
// INGEST_CONFIG, then DefaultConfigPath.
func configPath(args []string) (string, error) {
	path, err := parseStringFlag(args, "--config")
	if err != nil {
		return "", err
	}
	if path != "" {
		return path, nil
	}
	if env := os.Getenv("INGEST_CONFIG"); env != "" {
		return env, nil
	}
	return DefaultConfigPath, nil
}

func loadJob(args []string) (*config.JobDefinition, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	def, err := config.NewLoader(path, nil).Load()
	if err != nil {
		return nil, err
	}
	return def, nil
}
