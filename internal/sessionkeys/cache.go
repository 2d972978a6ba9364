// Package sessionkeys implements the bounded, keyed lookup from a TLS
// client_random to its master_secret, backed by an append-only NSS-format
// keylog file.
package sessionkeys

import (
	"bufio"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Cache resolves client_random -> master_secret for TLS decryption consumers.
// A hot LRU tier is checked first; on miss, the backing keylog is rescanned
// from the start so appends made after construction are never missed.
type Cache struct {
	mu  sync.Mutex
	hot *lru.Cache
	src io.ReadSeeker
}

// New constructs a Cache with hot-tier capacity size (must be >= 1) backed by
// src, which must support Seek to rewind on a miss.
func New(size int, src io.ReadSeeker) (*Cache, error) {
	hot, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{hot: hot, src: src}, nil
}

// Get resolves clientRandom to its master secret. Callers are serialized so
// concurrent lookups observe a consistent view of the hot tier.
func (c *Cache) Get(clientRandom string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.hot.Get(clientRandom); ok {
		return v.(string), true, nil
	}

	if _, err := c.src.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}

	scanner := bufio.NewScanner(c.src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var found string
	var hit bool

	for scanner.Scan() {
		clientRand, masterSecret, ok := parseClientRandomLine(scanner.Text())
		if !ok {
			continue
		}

		c.hot.Add(clientRand, masterSecret)

		if clientRand == clientRandom {
			found = masterSecret
			hit = true
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return "", false, err
	}

	return found, hit, nil
}

// Len reports the number of entries presently in the hot tier, for tests
// asserting the capacity invariant.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hot.Len()
}

func parseClientRandomLine(line string) (clientRandom, masterSecret string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "CLIENT_RANDOM" {
		return "", "", false
	}
	if !isHex(fields[1]) || !isHex(fields[2]) {
		return "", "", false
	}
	return fields[1], fields[2], true
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
