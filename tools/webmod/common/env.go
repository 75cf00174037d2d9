package common

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env variants in Vite priority order and returns
// defines for variables matching the prefix.
// Priority: .env < .env.local < .env.[mode] < .env.[mode].local
func LoadEnvFiles(basePath, mode, prefix string) (map[string]string, error) {
	variants := []string{
		basePath,
		basePath + ".local",
		basePath + "." + mode,
		basePath + "." + mode + ".local",
	}

	result := make(map[string]string)
	for _, path := range variants {
		vars, err := godotenv.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for k, v := range envDefines(vars, prefix) {
			result[k] = v
		}
	}
	return result, nil
}

// envDefines filters vars by prefix and returns a define map like
// {"import.meta.env.PLZ_API_URL": `"https://..."`}.
func envDefines(vars map[string]string, prefix string) map[string]string {
	result := make(map[string]string)
	for key, value := range vars {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		quoted, _ := json.Marshal(value)
		result["import.meta.env."+key] = string(quoted)
	}
	return result
}
