package env

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

var Env map[string]string

// ErrNoEnvFile is returned by SetupEnvFile when none of the lookup paths
// holds a readable .env file.
var ErrNoEnvFile = errors.New("no .env file found in any of the expected locations")

func GetEnv(key, def string) string {
	// Loaded .env values win over the process environment
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first .env file found. A missing file is not fatal
// for containers that only use the process environment, so the caller
// decides what to do with ErrNoEnvFile.
func SetupEnvFile() error {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/zeustips to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			Env = loaded
			return nil
		}
	}
	Env = map[string]string{}
	return ErrNoEnvFile
}

// Environment merges the process environment with the loaded .env values.
func Environment() map[string]string {
	out := make(map[string]string, len(Env))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	for k, v := range Env {
		out[k] = v
	}
	return out
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
