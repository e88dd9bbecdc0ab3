// Package image maintains the catalog of binary modules loaded into a
// target process and parses their container formats well enough to locate
// build identifiers, text extents and debug information, decompressing
// debug data on demand.
package image

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
)

// Image is one loaded binary module.
type Image struct {
	// Name is the display name, when known.
	Name string
	// Path is the on-disk path, when known.
	Path string
	// BuildID uniquely identifies the build; its length varies by format
	// (20 bytes for a GNU build-id, 16 for a Mach-O UUID). Nil when the
	// binary carries none.
	BuildID []byte
	// Base is the load address; End is the end of the image's code.
	Base memory.Address
	End  memory.Address
}

// BuildIDString renders the build identifier, or "none".
func (im *Image) BuildIDString() string {
	if len(im.BuildID) == 0 {
		return "none"
	}
	return hex.EncodeToString(im.BuildID)
}

func (im *Image) String() string {
	return fmt.Sprintf("%v-%v %s %s", im.Base, im.End, im.BuildIDString(), im.Name)
}

// OverlapError reports two images whose address ranges overlap. The
// offending image is dropped from the map with a warning; it is never
// tolerated silently.
type OverlapError struct {
	Kept, Dropped Image
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("image %s overlaps %s", e.Dropped.String(), e.Kept.String())
}

// ImageMap is an ordered, non-overlapping collection of images supporting
// address lookup by binary search.
type ImageMap struct {
	images []Image
}

// NewImageMap normalizes images into an ImageMap: sorts by base address,
// coalesces multiple mappings of the same file into one image spanning
// their full extent, and drops overlapping ranges with a warning.
func NewImageMap(images []Image) *ImageMap {
	merged := coalesce(images)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Base < merged[j].Base })

	out := merged[:0]
	for _, im := range merged {
		if im.Base >= im.End {
			logflags.ImagesLogger().Warnf("dropping malformed image: %s", im.String())
			continue
		}
		if len(out) > 0 && im.Base < out[len(out)-1].End {
			err := &OverlapError{Kept: out[len(out)-1], Dropped: im}
			logflags.ImagesLogger().Warnf("dropping image: %v", err)
			continue
		}
		out = append(out, im)
	}
	return &ImageMap{images: out}
}

// coalesce merges entries that refer to the same file into a single image
// spanning the full extent of its mapped segments.
func coalesce(images []Image) []Image {
	byPath := make(map[string]int)
	var merged []Image
	for _, im := range images {
		if im.Path == "" {
			merged = append(merged, im)
			continue
		}
		if i, ok := byPath[im.Path]; ok {
			if im.Base < merged[i].Base {
				merged[i].Base = im.Base
			}
			if im.End > merged[i].End {
				merged[i].End = im.End
			}
			if merged[i].BuildID == nil {
				merged[i].BuildID = im.BuildID
			}
			continue
		}
		byPath[im.Path] = len(merged)
		merged = append(merged, im)
	}
	return merged
}

// Len returns the number of images in the map.
func (m *ImageMap) Len() int { return len(m.images) }

// At returns the i-th image, in base-address order.
func (m *ImageMap) At(i int) *Image { return &m.images[i] }

// Images returns the underlying image list, in base-address order. The
// returned slice must not be modified.
func (m *ImageMap) Images() []Image { return m.images }

// IndexOf returns the index of the image containing addr, or -1.
func (m *ImageMap) IndexOf(addr memory.Address) int {
	i := sort.Search(len(m.images), func(i int) bool {
		return m.images[i].End > addr
	})
	if i < len(m.images) && addr >= m.images[i].Base {
		return i
	}
	return -1
}
