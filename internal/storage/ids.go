package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gobby-dev/gobby/internal/gobbyerr"
)

// maxIDCollisionRetries bounds the short-ID retry loop.
const maxIDCollisionRetries = 8

// NewShortRef generates a 6-hex-char short reference prefixed with kind,
// e.g. "gt-a1b2c3" for a task. It hashes (nanosecond time, random salt,
// project id) so references stay short, stable, and human-typeable
// without any central counter.
func NewShortRef(kind, projectID string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("storage: generating salt: %w", err)
	}
	seed := fmt.Sprintf("%d:%x:%s", time.Now().UnixNano(), salt, projectID)
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s-%s", kind, hex.EncodeToString(sum[:])[:6]), nil
}

// exists reports whether a short ref is already taken, for collision
// retry loops in the entity managers.
type existsFunc func(ref string) (bool, error)

// GenerateUniqueRef retries NewShortRef up to maxIDCollisionRetries times
// until exists reports false, returning a Conflict-flavored error if
// every attempt collides.
func GenerateUniqueRef(kind, projectID string, exists existsFunc) (string, error) {
	for i := 0; i < maxIDCollisionRetries; i++ {
		ref, err := NewShortRef(kind, projectID)
		if err != nil {
			return "", err
		}
		taken, err := exists(ref)
		if err != nil {
			return "", err
		}
		if !taken {
			return ref, nil
		}
	}
	return "", gobbyerr.New(gobbyerr.Conflict,
		fmt.Sprintf("could not allocate a unique %s ref after %d attempts", kind, maxIDCollisionRetries))
}
