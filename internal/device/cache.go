package device

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Cache is the controller's view of known robots, keyed by device ID. The
// signaling pump marks devices online/offline; discovery refreshes replace
// entries for their transport wholesale. Snapshot accessors copy, so callers
// never hold cache internals.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Descriptor
	path    string // optional YAML persistence; empty means memory-only
}

// NewCache creates an empty in-memory cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Descriptor)}
}

// LoadCache creates a cache backed by the YAML file at path. A missing file
// yields an empty cache; a corrupt one is an error so stale identity data is
// never silently dropped.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{entries: make(map[string]Descriptor), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}

	var file cacheFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	for _, d := range file.Devices {
		c.entries[d.ID] = d
	}
	return c, nil
}

type cacheFile struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Devices   []Descriptor `yaml:"devices"`
}

// ReplaceAll swaps every entry of the given transport for the new set. One
// discovery refresh owns its transport's slice of the cache; entries from
// other transports are untouched.
func (c *Cache) ReplaceAll(hint TransportHint, devices []Descriptor) {
	c.mu.Lock()
	for id, d := range c.entries {
		if d.Transport == hint {
			delete(c.entries, id)
		}
	}
	for _, d := range devices {
		d.Transport = hint
		c.entries[d.ID] = d
	}
	c.mu.Unlock()

	c.persist()
}

// MarkOnline records a device as online now, creating the entry if needed.
func (c *Cache) MarkOnline(id, name string, hint TransportHint) {
	c.mu.Lock()
	d, ok := c.entries[id]
	if !ok {
		d = Descriptor{ID: id, Transport: hint}
	}
	if name != "" {
		d.Name = name
	}
	d.Online = true
	d.LastSeen = time.Now()
	c.entries[id] = d
	c.mu.Unlock()

	c.persist()
}

// MarkOffline flips a device to offline without forgetting it.
func (c *Cache) MarkOffline(id string) {
	c.mu.Lock()
	if d, ok := c.entries[id]; ok {
		d.Online = false
		c.entries[id] = d
	}
	c.mu.Unlock()

	c.persist()
}

// Snapshot returns all entries, most recently seen first.
func (c *Cache) Snapshot() []Descriptor {
	c.mu.Lock()
	out := make([]Descriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// Fresh returns entries seen within the window, most recent first.
func (c *Cache) Fresh(window time.Duration) []Descriptor {
	now := time.Now()
	all := c.Snapshot()
	out := all[:0]
	for _, d := range all {
		if d.Fresh(window, now) {
			out = append(out, d)
		}
	}
	return out
}

// Online returns entries currently marked online, most recent first.
func (c *Cache) Online() []Descriptor {
	all := c.Snapshot()
	out := all[:0]
	for _, d := range all {
		if d.Online {
			out = append(out, d)
		}
	}
	return out
}

// persist writes the cache to its backing file, if one is configured.
// Best-effort: a failed write must not break discovery.
func (c *Cache) persist() {
	if c.path == "" {
		return
	}

	file := cacheFile{UpdatedAt: time.Now().UTC(), Devices: c.Snapshot()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(c.path, data, 0o644)
}
