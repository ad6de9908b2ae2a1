package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
)

// ErrMissing is returned by Lookup when no artifact matches the hash.
var ErrMissing = errors.New("artifact missing")

type entry struct {
	ref      Ref
	size     int64
	lastUsed time.Time
	// pins maps flow ids that require this artifact (cache_results).
	pins map[uint64]bool
}

// Cache maps effective hashes to artifact records. Metadata is in-process;
// files live under the configured root as <root>/<hash[:2]>/<hash>.
// File writes race benignly: identical hashes carry identical content.
type Cache struct {
	root     string
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*entry
	total   int64

	log zerolog.Logger
}

func NewCache(root string, maxBytes int64, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		root:     root,
		maxBytes: maxBytes,
		entries:  map[string]*entry{},
		log:      log.With().Str("component", "artifact-cache").Logger(),
	}
	c.rebuild()
	return c, nil
}

// Root returns the artifact directory.
func (c *Cache) Root() string { return c.root }

// PathFor returns the canonical file location for a hash.
func (c *Cache) PathFor(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(c.root, prefix, hash)
}

// rebuild scans the artifact directory on startup, re-reading headers.
// Corrupt files are discarded.
func (c *Cache) rebuild() {
	pattern := filepath.Join(c.root, "??", "*")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		c.log.Warn().Err(err).Msg("cache scan failed")
		return
	}
	for _, path := range matches {
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		h, err := ReadHeader(path)
		if err != nil {
			c.log.Warn().Str("path", path).Err(err).Msg("discarding corrupt artifact")
			_ = os.Remove(path)
			continue
		}
		hash := filepath.Base(path)
		c.entries[hash] = &entry{
			ref: Ref{
				Path:   path,
				Format: h.Format,
				Schema: h.Schema,
				Rows:   h.Rows,
				Hash:   hash,
			},
			size:     fi.Size(),
			lastUsed: fi.ModTime(),
			pins:     map[uint64]bool{},
		}
		c.total += fi.Size()
	}
	c.log.Info().Int("artifacts", len(c.entries)).Int64("bytes", c.total).Msg("cache index rebuilt")
}

// Lookup resolves a hash to an artifact. An unreadable file is treated as a
// miss: the entry is dropped and the node re-executes.
func (c *Cache) Lookup(hash string) (Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[hash]
	if !ok {
		return Ref{}, ErrMissing
	}
	if _, err := os.Stat(e.ref.Path); err != nil {
		c.total -= e.size
		delete(c.entries, hash)
		return Ref{}, ErrMissing
	}
	e.lastUsed = time.Now()
	return e.ref, nil
}

// Put registers an artifact under its hash. Idempotent: re-registration of a
// known hash refreshes recency only.
func (c *Cache) Put(hash string, ref Ref) error {
	fi, err := os.Stat(ref.Path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if e, ok := c.entries[hash]; ok {
		e.lastUsed = time.Now()
		c.mu.Unlock()
		return nil
	}
	ref.Hash = hash
	c.entries[hash] = &entry{
		ref:      ref,
		size:     fi.Size(),
		lastUsed: time.Now(),
		pins:     map[uint64]bool{},
	}
	c.total += fi.Size()
	over := c.maxBytes > 0 && c.total > c.maxBytes
	c.mu.Unlock()

	if over {
		c.EvictLRU(c.maxBytes)
	}
	return nil
}

// Pin marks the artifact as required by the flow; pinned entries are never
// evicted while the pin holds.
func (c *Cache) Pin(hash string, flowID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[hash]; ok {
		e.pins[flowID] = true
	}
}

// UnpinFlow releases all pins held by a flow (flow disposal).
func (c *Cache) UnpinFlow(flowID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		delete(e.pins, flowID)
	}
}

// EvictLRU removes least-recently-used unpinned artifacts until total disk
// usage is at or under targetBytes.
func (c *Cache) EvictLRU(targetBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total <= targetBytes {
		return
	}
	type cand struct {
		hash string
		e    *entry
	}
	var cands []cand
	for h, e := range c.entries {
		if len(e.pins) == 0 {
			cands = append(cands, cand{h, e})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		return cands[i].e.lastUsed.Before(cands[j].e.lastUsed)
	})
	for _, cd := range cands {
		if c.total <= targetBytes {
			break
		}
		if err := os.Remove(cd.e.ref.Path); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Str("hash", cd.hash).Err(err).Msg("evict failed")
			continue
		}
		c.total -= cd.e.size
		delete(c.entries, cd.hash)
		c.log.Debug().Str("hash", cd.hash).Msg("evicted artifact")
	}
}

// TotalBytes reports current disk usage of indexed artifacts.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Len reports the number of indexed artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
