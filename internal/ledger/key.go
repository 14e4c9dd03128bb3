package ledger

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadKey loads an HMAC key from a file path or an environment variable.
// Key management beyond this opaque provider (rotation, KMS) is out of scope;
// callers hand the bytes straight to Open.
func LoadKey(keyFile, keyEnv string) ([]byte, error) {
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file %q: %w", keyFile, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return nil, fmt.Errorf("key file %q is empty", keyFile)
		}
		return []byte(key), nil
	}
	if keyEnv != "" {
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("environment variable %q is empty or not set", keyEnv)
		}
		return []byte(key), nil
	}
	return nil, errors.New("no key source specified: provide key_file or key_env")
}
