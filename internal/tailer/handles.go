package tailer

import (
	"os"
	"sync"
	"time"
)

type cachedHandle struct {
	file     *os.File
	lastUsed time.Time
}

// handleCache keeps open file descriptors bounded, evicting the least
// recently used handle when the cap is hit.
type handleCache struct {
	mu      sync.Mutex
	max     int
	handles map[string]*cachedHandle
}

func newHandleCache(max int) *handleCache {
	return &handleCache{
		max:     max,
		handles: make(map[string]*cachedHandle),
	}
}

func (c *handleCache) open(path string) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[path]; ok {
		h.lastUsed = time.Now()
		return h.file, nil
	}

	if len(c.handles) >= c.max {
		c.evictOldestLocked()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c.handles[path] = &cachedHandle{file: file, lastUsed: time.Now()}
	return file, nil
}

func (c *handleCache) evictOldestLocked() {
	var oldestPath string
	var oldest time.Time
	for path, h := range c.handles {
		if oldestPath == "" || h.lastUsed.Before(oldest) {
			oldestPath = path
			oldest = h.lastUsed
		}
	}
	if oldestPath != "" {
		c.handles[oldestPath].file.Close()
		delete(c.handles, oldestPath)
	}
}

func (c *handleCache) close(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[path]; ok {
		h.file.Close()
		delete(c.handles, path)
	}
}

func (c *handleCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, h := range c.handles {
		h.file.Close()
		delete(c.handles, path)
	}
}
