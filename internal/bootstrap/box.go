// Package bootstrap parses the F4F box format used by HDS bootstrap
// blobs and media fragments: an abst bootstrap-info box with nested
// asrt segment-run and afrt fragment-run tables, and mdat boxes
// carrying the raw tag stream of a fragment.
package bootstrap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Box type identifiers.
const (
	boxTypeABST = "abst"
	boxTypeASRT = "asrt"
	boxTypeAFRT = "afrt"
	boxTypeMDAT = "mdat"
)

// Table capacity bounds. Real bootstraps carry a handful of tables with
// at most a few hundred entries; these limits only reject corrupt input.
const (
	maxRunTables  = 256
	maxRunEntries = 1024
)

// Errors returned by the parser.
var (
	ErrMalformedBox   = errors.New("bootstrap: malformed box")
	ErrTooManyEntries = errors.New("bootstrap: run table bound exceeded")
)

// SegmentRunEntry is one run of segments: segment numbers starting at
// FirstSegment each contain FragmentsPerSegment fragments, until the
// next entry's FirstSegment or the end of the playlist.
type SegmentRunEntry struct {
	FirstSegment        uint32
	FragmentsPerSegment uint32
}

// SegmentRunTable is a parsed asrt box.
type SegmentRunTable struct {
	Version uint8
	Flags   uint32
	Entries []SegmentRunEntry
}

// FragmentRunEntry is one run of fragments sharing a duration. A zero
// Duration carries an explicit discontinuity indicator byte.
type FragmentRunEntry struct {
	FirstFragment          uint32
	FirstFragmentTimestamp uint64
	Duration               uint32
	DiscontinuityIndicator uint8
}

// FragmentRunTable is a parsed afrt box.
type FragmentRunTable struct {
	Version   uint8
	Flags     uint32
	Timescale uint32
	Entries   []FragmentRunEntry
}

// Info is a parsed abst bootstrap-info box.
type Info struct {
	Version          uint8
	Flags            uint32
	BootstrapVersion uint32
	Profile          uint8
	Live             bool
	Update           bool
	Timescale        uint32
	CurrentMediaTime uint64
	SMPTEOffset      uint64
	MovieID          string
	DRMData          string
	Metadata         string

	SegmentTables  []SegmentRunTable
	FragmentTables []FragmentRunTable
}

// Box is the result of parsing an F4F byte blob. Bootstrap responses
// carry an abst box; fragment responses carry an mdat box.
type Box struct {
	Bootstrap *Info
	MediaData []byte
}

// ParseBox walks the top-level boxes of buf. Unknown top-level box types
// are skipped for forward compatibility.
func ParseBox(buf []byte) (*Box, error) {
	box := &Box{}
	r := &reader{data: buf}

	for r.remaining() >= 8 {
		if err := parseSingleBox(r, box, nil); err != nil {
			return nil, err
		}
	}

	return box, nil
}

// reader is a bounds-checked cursor over a box payload.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedBox)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u24() (uint32, error) {
	if r.remaining() < 3 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedBox)
	}
	v := uint32(r.data[r.pos])<<16 | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedBox)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedBox)
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedBox)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// cstr reads a NUL-terminated string.
func (r *reader) cstr() (string, error) {
	for i := r.pos; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string", ErrMalformedBox)
}

// skipStrings consumes a u8 count followed by that many NUL-terminated
// strings (server and quality URL lists, unused by the demuxer).
func (r *reader) skipStrings() error {
	count, err := r.u8()
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		if _, err := r.cstr(); err != nil {
			return err
		}
	}
	return nil
}

// parseSingleBox reads one box header, dispatches on type, and skips any
// trailing body bytes the type parser left unread. When parent is
// non-nil the box is a child of an abst box and only asrt/afrt types are
// meaningful.
func parseSingleBox(r *reader, box *Box, parent *Info) error {
	start := r.pos

	size64, err := r.u32()
	if err != nil {
		return err
	}
	typeBytes, err := r.bytes(4)
	if err != nil {
		return err
	}
	boxType := string(typeBytes)

	size := uint64(size64)
	if size == 1 {
		size, err = r.u64()
		if err != nil {
			return err
		}
	}

	if size == 0 {
		return fmt.Errorf("%w: zero-size %q box", ErrMalformedBox, boxType)
	}
	end := start + int(size)
	if end < start || end > len(r.data) {
		return fmt.Errorf("%w: %q box size %d exceeds buffer", ErrMalformedBox, boxType, size)
	}

	// Scope the body so nested parsers cannot read past the declared
	// extent of this box.
	body := &reader{data: r.data[:end], pos: r.pos}

	switch boxType {
	case boxTypeABST:
		err = parseABST(body, box)
	case boxTypeASRT:
		if parent != nil {
			err = parseASRT(body, parent)
		}
	case boxTypeAFRT:
		if parent != nil {
			err = parseAFRT(body, parent)
		}
	case boxTypeMDAT:
		var data []byte
		data, err = body.bytes(end - body.pos)
		if err == nil {
			box.MediaData = append([]byte(nil), data...)
		}
	default:
		// Unknown box types are skipped.
	}
	if err != nil {
		return err
	}

	// Consume the whole declared size regardless of how much the type
	// parser read.
	r.pos = end
	return nil
}

func parseABST(r *reader, box *Box) error {
	info := &Info{}

	var err error
	if info.Version, err = r.u8(); err != nil {
		return err
	}
	if info.Flags, err = r.u24(); err != nil {
		return err
	}
	if info.BootstrapVersion, err = r.u32(); err != nil {
		return err
	}

	packed, err := r.u8()
	if err != nil {
		return err
	}
	info.Profile = (packed >> 6) & 0x03
	info.Live = (packed>>5)&0x01 != 0
	info.Update = (packed>>4)&0x01 != 0

	if info.Timescale, err = r.u32(); err != nil {
		return err
	}
	if info.CurrentMediaTime, err = r.u64(); err != nil {
		return err
	}
	if info.SMPTEOffset, err = r.u64(); err != nil {
		return err
	}
	if info.MovieID, err = r.cstr(); err != nil {
		return err
	}

	// Server and quality entry URLs are read and discarded.
	if err = r.skipStrings(); err != nil {
		return err
	}
	if err = r.skipStrings(); err != nil {
		return err
	}

	if info.DRMData, err = r.cstr(); err != nil {
		return err
	}
	if info.Metadata, err = r.cstr(); err != nil {
		return err
	}

	segTableCount, err := r.u8()
	if err != nil {
		return err
	}
	if int(segTableCount) > maxRunTables {
		return fmt.Errorf("%w: %d segment run tables", ErrTooManyEntries, segTableCount)
	}
	for i := 0; i < int(segTableCount); i++ {
		if err := parseSingleBox(r, box, info); err != nil {
			return err
		}
	}

	fragTableCount, err := r.u8()
	if err != nil {
		return err
	}
	if int(fragTableCount) > maxRunTables {
		return fmt.Errorf("%w: %d fragment run tables", ErrTooManyEntries, fragTableCount)
	}
	for i := 0; i < int(fragTableCount); i++ {
		if err := parseSingleBox(r, box, info); err != nil {
			return err
		}
	}

	box.Bootstrap = info
	return nil
}

func parseASRT(r *reader, info *Info) error {
	if len(info.SegmentTables) >= maxRunTables {
		return fmt.Errorf("%w: segment run tables", ErrTooManyEntries)
	}

	table := SegmentRunTable{}

	var err error
	if table.Version, err = r.u8(); err != nil {
		return err
	}
	if table.Flags, err = r.u24(); err != nil {
		return err
	}
	if err = r.skipStrings(); err != nil {
		return err
	}

	count, err := r.u32()
	if err != nil {
		return err
	}
	if count > maxRunEntries {
		return fmt.Errorf("%w: %d segment run entries", ErrTooManyEntries, count)
	}

	table.Entries = make([]SegmentRunEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var entry SegmentRunEntry
		if entry.FirstSegment, err = r.u32(); err != nil {
			return err
		}
		if entry.FragmentsPerSegment, err = r.u32(); err != nil {
			return err
		}
		table.Entries = append(table.Entries, entry)
	}

	info.SegmentTables = append(info.SegmentTables, table)
	return nil
}

func parseAFRT(r *reader, info *Info) error {
	if len(info.FragmentTables) >= maxRunTables {
		return fmt.Errorf("%w: fragment run tables", ErrTooManyEntries)
	}

	table := FragmentRunTable{}

	var err error
	if table.Version, err = r.u8(); err != nil {
		return err
	}
	if table.Flags, err = r.u24(); err != nil {
		return err
	}
	if table.Timescale, err = r.u32(); err != nil {
		return err
	}
	if err = r.skipStrings(); err != nil {
		return err
	}

	count, err := r.u32()
	if err != nil {
		return err
	}
	if count > maxRunEntries {
		return fmt.Errorf("%w: %d fragment run entries", ErrTooManyEntries, count)
	}

	table.Entries = make([]FragmentRunEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var entry FragmentRunEntry
		if entry.FirstFragment, err = r.u32(); err != nil {
			return err
		}
		if entry.FirstFragmentTimestamp, err = r.u64(); err != nil {
			return err
		}
		if entry.Duration, err = r.u32(); err != nil {
			return err
		}
		if entry.Duration == 0 {
			if entry.DiscontinuityIndicator, err = r.u8(); err != nil {
				return err
			}
		}
		table.Entries = append(table.Entries, entry)
	}

	info.FragmentTables = append(info.FragmentTables, table)
	return nil
}
