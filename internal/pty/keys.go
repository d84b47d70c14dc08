package pty

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// sessionKeyPrefix marks keys derived from a worktree seed.
const sessionKeyPrefix = "wt-"

// keyNamespace scopes the name-based UUIDs used for session keys.
var keyNamespace = uuid.MustParse("6f1c3c52-9a0e-4f43-8c6b-2d4f0e6a7b11")

// ErrEmptySeed is returned when a session key is requested for an empty seed.
var ErrEmptySeed = errors.New("session seed is empty")

// SessionKey derives the stable session key for a worktree. The same seed
// always yields the same key, so reopening a worktree finds its session.
// Paths are cleaned first: "/repo/wt/" and "/repo/wt" name one session.
func SessionKey(seed string) (string, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return "", ErrEmptySeed
	}
	if strings.ContainsRune(seed, filepath.Separator) {
		seed = filepath.Clean(seed)
	}
	return sessionKeyPrefix + uuid.NewSHA1(keyNamespace, []byte(seed)).String(), nil
}
