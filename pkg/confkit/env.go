package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var dotenvOnce sync.Once

// LoadDotenvOnce loads a .env file the first time it is called. ENV_FILE
// names an explicit file; otherwise .env in the working directory and then at
// the project root are tried. Set NO_DOTENV=1 to skip, DOTENV_OVERLOAD=1 to
// let the file override variables already in the environment.
func LoadDotenvOnce() {
	dotenvOnce.Do(loadDotenv)
}

func loadDotenv() {
	if os.Getenv("NO_DOTENV") == "1" {
		return
	}
	for _, p := range dotenvCandidates() {
		if !exists(p) {
			continue
		}
		if os.Getenv("DOTENV_OVERLOAD") == "1" {
			_ = godotenv.Overload(p)
		} else {
			_ = godotenv.Load(p)
		}
	}
}

func dotenvCandidates() []string {
	if f := os.Getenv("ENV_FILE"); f != "" {
		return []string{f}
	}
	candidates := []string{".env"}
	if root, err := ProjectRoot(); err == nil {
		rootEnv := filepath.Join(root, ".env")
		if abs, err := filepath.Abs(".env"); err != nil || abs != rootEnv {
			candidates = append(candidates, rootEnv)
		}
	}
	return candidates
}
