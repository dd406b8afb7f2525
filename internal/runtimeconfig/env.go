package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/joho/godotenv"
)

// DotEnvFile is read from the working directory.
const DotEnvFile = ".env"

const envTemplate = `# Environment variables for opibuild

# GitHub personal access token used for github.com clones and downloads.
# Create one at: https://github.com/settings/tokens
# GITHUB_TOKEN=your_token_here

# BUILD_JOBS=8
# OUTPUT_DIR=/tmp/opibuild_output
`

// Env resolves variables from the process environment first, then from a
// .env file.
type Env struct {
	lookup func(string) (string, bool)
	file   map[string]string
	path   string
}

// LoadEnv reads path with godotenv. A missing file is not an error.
func LoadEnv(path string) (*Env, error) {
	e := &Env{lookup: os.LookupEnv, file: map[string]string{}, path: path}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return e, nil
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	e.file = values
	return e, nil
}

// NewEnv builds an Env from explicit sources, for tests and callers that
// already hold the values.
func NewEnv(lookup func(string) (string, bool), file map[string]string) *Env {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	if file == nil {
		file = map[string]string{}
	}
	return &Env{lookup: lookup, file: file}
}

func (e *Env) Lookup(key string) (string, bool) {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	v, ok := e.file[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func (e *Env) Getenv(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// FromFile reports whether the .env file was read.
func (e *Env) FromFile() bool {
	return len(e.file) > 0
}

// WriteEnvTemplate creates a commented .env at path with owner-only
// permissions. An existing file is left alone.
func WriteEnvTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := renameio.WriteFile(path, []byte(envTemplate), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
