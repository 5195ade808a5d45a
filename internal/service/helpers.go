package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

func generateID(prefix string) string {
	id := uuid.New().String()
	clean := strings.ReplaceAll(id, "-", "")
	if len(prefix) > 0 {
		return prefix + "_" + clean[:26]
	}
	return clean
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

const keyedMutexShards = 256

// keyedMutex serializes work per key without a process-wide lock.
// Keys hash onto a fixed set of shards, so unrelated keys rarely contend.
type keyedMutex struct {
	shards [keyedMutexShards]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%keyedMutexShards]
	m.Lock()
	return m.Unlock
}
