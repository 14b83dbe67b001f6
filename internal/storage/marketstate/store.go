// Package marketstate persists the in-memory lending market between restarts.
package marketstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const defaultStateDir = "./wal/market"

// Store keeps one JSON document per market name, replaced atomically on every save.
type Store struct {
	path string
}

func getStateDir() string {
	if stateDir := os.Getenv("LOOPVAULT_MARKET_STATE_DIR"); stateDir != "" {
		return stateDir
	}
	return defaultStateDir
}

// NewStore creates a store for the named market under dir. An empty dir falls back to
// LOOPVAULT_MARKET_STATE_DIR and then ./wal/market.
func NewStore(dir, name string) (*Store, error) {
	if dir == "" {
		dir = getStateDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create market state dir")
	}

	fileName := sanitizeName(name)
	if fileName == "" {
		fileName = "market"
	}

	return &Store{path: filepath.Join(dir, fileName+".json")}, nil
}

// Path is the file the store writes to.
func (s *Store) Path() string {
	return s.path
}

// Load decodes the saved state into v. It reports false when nothing was saved yet.
func (s *Store) Load(v any) (bool, error) {
	if s == nil || s.path == "" {
		return false, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.Wrap(err, "read market state")
	}

	if len(payload) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return false, errors.Wrap(err, "decode market state")
	}

	return true, nil
}

// Save writes v to disk via a temp file and rename.
func (s *Store) Save(v any) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode market state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write market state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist market state")
	}

	return nil
}

func sanitizeName(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
