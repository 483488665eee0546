package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for admin key hashing. The admin surface is a single
// low-traffic endpoint, so memory-hard cost is acceptable per request.
const (
	adminKeyTime    = 1
	adminKeyMemory  = 64 * 1024 // KiB
	adminKeyThreads = 4
	adminKeyLen     = 32
	adminSaltLen    = 16
)

// AdminKey holds the parsed salt and digest of a stored admin key hash.
// Parse once at startup; Verify per request.
type AdminKey struct {
	salt   []byte
	digest []byte
}

// HashAdminKey derives an Argon2id hash of key, encoded as
// base64(salt)$base64(digest). The output is what operators put in config.
func HashAdminKey(key string) (string, error) {
	salt := make([]byte, adminSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(key), salt, adminKeyTime, adminKeyMemory, adminKeyThreads, adminKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(digest), nil
}

// ParseAdminKey decodes a stored hash produced by HashAdminKey.
func ParseAdminKey(encoded string) (*AdminKey, error) {
	saltPart, digestPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, fmt.Errorf("auth: invalid admin key hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	digest, err := base64.StdEncoding.DecodeString(digestPart)
	if err != nil {
		return nil, fmt.Errorf("auth: decode digest: %w", err)
	}
	return &AdminKey{salt: salt, digest: digest}, nil
}

// Verify checks a presented key against the stored hash in constant time.
func (k *AdminKey) Verify(key string) bool {
	computed := argon2.IDKey([]byte(key), k.salt, adminKeyTime, adminKeyMemory, adminKeyThreads, adminKeyLen)
	return subtle.ConstantTimeCompare(k.digest, computed) == 1
}

// DummyVerify runs an Argon2id derivation with the same cost parameters as
// Verify. Call it on rejection paths where no stored hash was checked, so
// timing does not reveal whether an admin key is configured at all.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, adminSaltLen), adminKeyTime, adminKeyMemory, adminKeyThreads, adminKeyLen)
}
