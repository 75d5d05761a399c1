package sequencer

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/biocars/lauecollect/util"
)

// maxNameLen is the longest file name most file systems accept
const maxNameLen = 254

// Cache stores compiled packets on the local disk, keyed by descriptor.
// Writes are idempotent so concurrent writers of the same key do not race.
type Cache struct {
	Dir string
}

// Filename returns the cache file name of key.  Keys that are too long for a
// file name, or that contain a path separator, are replaced by their MD5 sum.
func (c Cache) Filename(key string) string {
	if len(key) > maxNameLen || strings.ContainsAny(key, `/\`) || key == "" || key[0] == '.' {
		sum := md5.Sum([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	return key
}

func (c Cache) path(key string) string {
	return filepath.Join(c.Dir, c.Filename(key))
}

// Get returns the cached data for key
func (c Cache) Get(key string) ([]byte, bool) {
	if c.Dir == "" {
		return nil, false
	}
	b, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	return b, true
}

// Put stores data under key
func (c Cache) Put(key string, data []byte) error {
	if c.Dir == "" {
		return nil
	}
	return util.WriteFileAtomic(c.path(key), data)
}
