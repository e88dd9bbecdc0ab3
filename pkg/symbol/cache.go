package symbol

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/retrace-project/retrace/pkg/image"
)

// Cache holds parsed debug data keyed by image path, so that symbolicating
// many addresses, or many backtraces over the life of a process, parses
// each image once. It is scoped to one worker; share one per goroutine,
// not across them.
type Cache struct {
	entries *lru.Cache
}

// NewCache returns a cache bounded to size images.
func NewCache(size int) *Cache {
	entries, _ := lru.New(size)
	return &Cache{entries: entries}
}

// Purge drops all cached debug data.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// load returns the parsed data for im, parsing at most once per path.
// Images that fail to parse are cached as nil so the failure is not
// retried for every frame.
func (c *Cache) load(im *image.Image, loader ObjectLoader) *imageData {
	if im.Path == "" {
		return nil
	}
	if v, ok := c.entries.Get(im.Path); ok {
		d, _ := v.(*imageData)
		return d
	}
	d := newImageData(im, loader)
	c.entries.Add(im.Path, d)
	return d
}
