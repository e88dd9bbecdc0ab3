package image

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/retrace-project/retrace/pkg/logflags"
	"github.com/retrace-project/retrace/pkg/memory"
)

// EnumerateProcess produces the image map of a target process from its
// /proc maps file. pid 0 means the current process.
func EnumerateProcess(pid int) (*ImageMap, error) {
	path := "/proc/self/maps"
	if pid > 0 {
		path = fmt.Sprintf("/proc/%d/maps", pid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("enumerating images: %w", err)
	}
	defer f.Close()
	return parseMaps(f)
}

type mapping struct {
	base, end memory.Address
	exec      bool
	path      string
}

func parseMaps(r io.Reader) (*ImageMap, error) {
	var mappings []mapping
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		m, ok := parseMapsLine(scan.Text())
		if !ok {
			continue
		}
		mappings = append(mappings, m)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("reading maps: %w", err)
	}
	return imagesFromMappings(mappings), nil
}

// parseMapsLine parses one line of a maps file:
//
//	55d0a4e20000-55d0a4e42000 r-xp 00000000 fd:01 1234 /usr/bin/prog
func parseMapsLine(line string) (mapping, bool) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 6 {
		return mapping{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapping{}, false
	}
	base, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	path := strings.TrimSpace(fields[5])
	if !strings.HasPrefix(path, "/") {
		return mapping{}, false
	}
	return mapping{
		base: memory.Address(base),
		end:  memory.Address(end),
		exec: strings.Contains(fields[1], "x"),
		path: path,
	}, true
}

// imagesFromMappings turns the raw segment list into one image per file:
// the base is the lowest mapped address of the file and the end is the end
// of its executable extent. Files with no executable mapping carry no code
// and are not images.
func imagesFromMappings(mappings []mapping) *ImageMap {
	type extent struct {
		base, end memory.Address
		exec      bool
	}
	byPath := make(map[string]*extent)
	var order []string
	for _, m := range mappings {
		e, ok := byPath[m.path]
		if !ok {
			e = &extent{base: m.base, end: m.end, exec: m.exec}
			byPath[m.path] = e
			order = append(order, m.path)
			continue
		}
		if m.base < e.base {
			e.base = m.base
		}
		if m.exec {
			e.exec = true
			if m.end > e.end {
				e.end = m.end
			}
		}
	}

	var images []Image
	for _, path := range order {
		e := byPath[path]
		if !e.exec || e.base >= e.end {
			continue
		}
		im := Image{
			Name: filepath.Base(path),
			Path: path,
			Base: e.base,
			End:  e.end,
		}
		if obj, src, err := OpenObjectFile(path); err == nil {
			im.BuildID = obj.BuildID()
			im.End = textEnd(obj, im.Base, im.End)
			src.Close()
		} else if logflags.Images() {
			logflags.ImagesLogger().Debugf("no build id for %s: %v", path, err)
		}
		images = append(images, im)
	}
	return NewImageMap(images)
}
