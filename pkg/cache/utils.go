package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// GenerateKey creates a cache key with prefix and ID.
func GenerateKey(prefix string, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// HashKey generates MD5 hash of a key.
func HashKey(key string) string {
	hasher := md5.New()
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}

// SetKey builds an order-independent key for a set of ids.
func SetKey(prefix string, ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return GenerateKey(prefix, HashKey(strings.Join(sorted, ",")))
}

// LockKey derives the lock key guarding key.
func LockKey(key string) string {
	return GenerateKey("lock", key)
}
