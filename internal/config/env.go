package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads dotenv files into the process environment. Variables already
// set in the environment are left alone, so an earlier file wins over a later
// one. Missing files, directories and files that fail to parse are skipped.
// It returns the files that were applied.
func LoadEnv(paths ...string) []string {
	var loaded []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if fi, err := os.Stat(p); err != nil || fi.IsDir() {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			continue
		}
		loaded = append(loaded, p)
	}
	return loaded
}

// LoadDefaultEnv loads WHISPERGATE_ENV, ~/.whispergate.env and ./.env, in
// that order, when present. It returns the files that were read.
func LoadDefaultEnv() []string {
	var paths []string
	if p := strings.TrimSpace(os.Getenv("WHISPERGATE_ENV")); p != "" {
		paths = append(paths, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".whispergate.env"))
	}
	paths = append(paths, ".env")
	return LoadEnv(paths...)
}
