package hds

import (
	"context"
	"errors"
	"fmt"

	"github.com/wiseplay-app/hdsdemux/internal/bootstrap"
)

// ErrEndOfStream signals that a VOD playlist has been fully consumed.
var ErrEndOfStream = errors.New("hds: end of stream")

// Scheduler computes the next (segment, fragment) pair to download for
// one variant. FragmentsRead must be incremented by the caller after
// each successful fragment download. LiveOffset and LiveTotal describe
// the live window; zero means not yet computed.
type Scheduler struct {
	FragmentsRead int
	LiveOffset    int
	LiveTotal     int
}

// RefreshFunc refetches and reparses a bootstrap when the live window
// rolls over.
type RefreshFunc func(ctx context.Context) (*bootstrap.Info, error)

// Next returns the next segment and fragment numbers to fetch. For live
// streams it may invoke refresh when the window has rolled; the
// refreshed bootstrap is returned so the caller can store it, and is
// nil when no refresh happened. For VOD it returns ErrEndOfStream once
// the playlist is exhausted.
func (s *Scheduler) Next(ctx context.Context, info *bootstrap.Info, isLive bool, refresh RefreshFunc) (segment, fragment int, refreshed *bootstrap.Info, err error) {
	if info == nil || len(info.SegmentTables) == 0 || len(info.FragmentTables) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: bootstrap has no run tables", bootstrap.ErrMalformedBox)
	}

	segment, fragmentsPerSegment := nextSegment(info)
	firstFragment := nextFragment(info, isLive)

	fragment = firstFragment + s.FragmentsRead

	if isLive {
		if s.LiveOffset == 0 {
			s.LiveOffset = fragmentOffset(info)
		}
		if s.LiveTotal == 0 {
			s.LiveTotal = fragmentTotal(info)
		}

		fragment += s.LiveOffset - 1

		if fragment >= firstFragment+s.LiveTotal {
			if refresh == nil {
				return 0, 0, nil, fmt.Errorf("hds: live window rolled but no refresh available")
			}
			newInfo, err := refresh(ctx)
			if err != nil {
				return 0, 0, nil, err
			}
			if newInfo == nil || len(newInfo.SegmentTables) == 0 || len(newInfo.FragmentTables) == 0 {
				return 0, 0, nil, fmt.Errorf("%w: refreshed bootstrap has no run tables", bootstrap.ErrMalformedBox)
			}

			// The window restarts against the refreshed tables: reset
			// the cursor and recompute everything once, without another
			// refresh opportunity.
			s.FragmentsRead = 0
			s.LiveOffset = fragmentOffset(newInfo)
			s.LiveTotal = fragmentTotal(newInfo)

			segment, _ = nextSegment(newInfo)
			firstFragment = nextFragment(newInfo, isLive)
			fragment = firstFragment + s.LiveOffset - 1

			return segment, fragment, newInfo, nil
		}
	}

	if !isLive && fragment >= firstFragment+fragmentsPerSegment {
		return 0, 0, nil, ErrEndOfStream
	}

	return segment, fragment, nil, nil
}

// nextSegment scans every segment-run table; the final entry is
// authoritative. Multi-run bootstraps collapse onto their last run, a
// quirk preserved for compatibility with the servers this was written
// against.
func nextSegment(info *bootstrap.Info) (segment, fragmentsPerSegment int) {
	for _, table := range info.SegmentTables {
		for _, entry := range table.Entries {
			segment = int(entry.FirstSegment)
			fragmentsPerSegment = int(entry.FragmentsPerSegment)
		}
	}
	return segment, fragmentsPerSegment
}

// nextFragment scans the fragment-run tables for the first fragment
// number. The last entry with a positive first fragment wins; VOD
// playlists stop at the first entry of each table.
func nextFragment(info *bootstrap.Info, isLive bool) int {
	fragment := 0
	for _, table := range info.FragmentTables {
		for _, entry := range table.Entries {
			if entry.FirstFragment > 0 {
				fragment = int(entry.FirstFragment)
			}
			if !isLive {
				break
			}
		}
	}
	return fragment
}

// fragmentOffset sums fragments-per-segment over the last segment-run
// table when it holds more than one run, locating the live edge within
// a multi-run window.
func fragmentOffset(info *bootstrap.Info) int {
	if len(info.SegmentTables) == 0 {
		return 0
	}
	table := info.SegmentTables[len(info.SegmentTables)-1]
	if len(table.Entries) <= 1 {
		return 0
	}

	offset := 0
	for _, entry := range table.Entries {
		offset += int(entry.FragmentsPerSegment)
	}
	return offset
}

// fragmentTotal estimates the live window size from the last
// segment-run table: the run count times the first run's
// fragments-per-segment.
func fragmentTotal(info *bootstrap.Info) int {
	if len(info.SegmentTables) == 0 {
		return 0
	}
	table := info.SegmentTables[len(info.SegmentTables)-1]
	if len(table.Entries) == 0 {
		return 0
	}
	return len(table.Entries) * int(table.Entries[0].FragmentsPerSegment)
}
