package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	godotenv "github.com/joho/godotenv"
)

// NewToken returns a url-safe token built from 32 random bytes.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// WriteToken stores token in the dotenv file at path, keeping any other
// keys already present.
func WriteToken(path, token string) error {
	vals, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		vals = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	vals[TokenKey] = token
	if err := godotenv.Write(vals, path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
