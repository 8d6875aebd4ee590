package dfu

import (
	"fmt"
	"strconv"
	"strings"
)

// MemorySegment is one contiguous run of identically sized sectors with
// uniform permissions.
type MemorySegment struct {
	Start      uint32
	End        uint32 // exclusive
	SectorSize uint32
	Readable   bool
	Erasable   bool
	Writable   bool
}

// MemoryMap is a DfuSe interface name parsed into typed segments (ST AN3156
// "DfuSe device name string" grammar).
type MemoryMap struct {
	Name     string
	Segments []MemorySegment
}

// DescribeMemoryMap renders m as a human-readable one-line segment table,
// e.g. "Internal Flash: 0x08000000-0x08004000 (16 sectors of 1KB) rew,
// 0x08004000-0x08010000 (48 sectors of 1KB) rew" (permission letters in
// r, e, w order). It is presentation only, not part of the wire format.
func DescribeMemoryMap(m *MemoryMap) string {
	var b strings.Builder
	b.WriteString(m.Name)
	b.WriteString(": ")
	for i, s := range m.Segments {
		if i > 0 {
			b.WriteString(", ")
		}
		count := uint32(0)
		if s.SectorSize != 0 {
			count = (s.End - s.Start) / s.SectorSize
		}
		fmt.Fprintf(&b, "0x%08x-0x%08x (%d sectors of %s) %s", s.Start, s.End, count, describeSize(s.SectorSize), describePerm(s))
	}
	return b.String()
}

func describeSize(size uint32) string {
	switch {
	case size >= 1<<20 && size%(1<<20) == 0:
		return fmt.Sprintf("%dMB", size/(1<<20))
	case size >= 1<<10 && size%(1<<10) == 0:
		return fmt.Sprintf("%dKB", size/(1<<10))
	default:
		return fmt.Sprintf("%dB", size)
	}
}

func describePerm(s MemorySegment) string {
	perm := ""
	if s.Readable {
		perm += "r"
	}
	if s.Erasable {
		perm += "e"
	}
	if s.Writable {
		perm += "w"
	}
	if perm == "" {
		return "-"
	}
	return perm
}

// ParseMemoryMap decodes a DfuSe interface name of the form
// "@<name>/<addr>/<count>*<size><unit><perm>[,<run>]*[/<addr>/<run>,...]*"
// into a MemoryMap. It never consults a device; it is a pure string parser.
func ParseMemoryMap(s string) (*MemoryMap, error) {
	if !strings.HasPrefix(s, "@") {
		return nil, malformedMemoryMap("ParseMemoryMap", "prefix")
	}
	rest := s[1:]

	firstSlash := strings.IndexByte(rest, '/')
	if firstSlash < 0 {
		return nil, malformedMemoryMap("ParseMemoryMap", "name")
	}
	name := strings.TrimSpace(rest[:firstSlash])
	rest = rest[firstSlash:]

	mm := &MemoryMap{Name: name}

	for len(rest) > 0 {
		if rest[0] != '/' {
			return nil, malformedMemoryMap("ParseMemoryMap", "block")
		}
		rest = rest[1:]

		addrEnd := strings.IndexByte(rest, '/')
		if addrEnd < 0 {
			return nil, malformedMemoryMap("ParseMemoryMap", "address")
		}
		addrStr := strings.TrimSpace(rest[:addrEnd])
		base, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 32)
		if err != nil {
			return nil, malformedMemoryMap("ParseMemoryMap", "address")
		}
		rest = rest[addrEnd+1:]

		runsEnd := len(rest)
		if next := strings.IndexByte(rest, '/'); next >= 0 {
			runsEnd = next
		}
		runsStr := rest[:runsEnd]
		rest = rest[runsEnd:]

		addr := uint32(base)
		for _, run := range strings.Split(runsStr, ",") {
			seg, size, err := parseRun(run, addr)
			if err != nil {
				return nil, err
			}
			mm.Segments = append(mm.Segments, seg)
			addr += size
		}
	}

	if len(mm.Segments) == 0 {
		return nil, malformedMemoryMap("ParseMemoryMap", "no segments")
	}
	return mm, nil
}

// parseRun decodes a single "<count>*<size><unit><perm>" run starting at
// base, returning the segment and its byte span for the caller to advance
// the running address by.
func parseRun(run string, base uint32) (MemorySegment, uint32, error) {
	star := strings.IndexByte(run, '*')
	if star < 0 {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "run")
	}
	countStr := run[:star]
	body := run[star+1:]
	if len(body) < 2 {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "run")
	}

	count, err := strconv.ParseUint(countStr, 10, 32)
	if err != nil {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "count")
	}

	unit := body[len(body)-2]
	permLetter := body[len(body)-1]
	sizeStr := body[:len(body)-2]

	size, err := strconv.ParseUint(sizeStr, 10, 32)
	if err != nil {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "size")
	}

	var mult uint64
	switch unit {
	case ' ', 'B':
		mult = 1
	case 'K':
		mult = 1024
	case 'M':
		mult = 1024 * 1024
	default:
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "unit")
	}
	sectorSize := uint32(size * mult)

	if permLetter < 'a' || permLetter > 'g' {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "perm")
	}
	bits := permLetter - 'a' + 1

	span := uint32(count) * sectorSize
	seg := MemorySegment{
		Start:      base,
		End:        base + span,
		SectorSize: sectorSize,
		Readable:   bits&0b001 != 0,
		Erasable:   bits&0b010 != 0,
		Writable:   bits&0b100 != 0,
	}
	if seg.Start >= seg.End || sectorSize == 0 {
		return MemorySegment{}, 0, malformedMemoryMap("ParseMemoryMap", "segment")
	}
	return seg, span, nil
}
