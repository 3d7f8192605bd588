package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads a dotenv file into the process environment. A missing file
// is not an error and variables already set in the environment win.
func LoadFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file %q: %w", path, err)
	}
	for key, val := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	return nil
}

// LoadFiles loads each path in order; earlier files take precedence.
func LoadFiles(paths ...string) error {
	for _, p := range paths {
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}
