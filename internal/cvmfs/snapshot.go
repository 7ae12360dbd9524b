package cvmfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerName is written by cvmfs_server into the upstream storage after
// every completed snapshot.
const MarkerName = ".cvmfs_last_snapshot"

// dateLayout is `date` output with the zone field removed.
const dateLayout = "Mon Jan _2 15:04:05 2006"

// MarkerPath returns the snapshot marker location for a storage directory.
func MarkerPath(storage string) string {
	return filepath.Join(storage, MarkerName)
}

// ReadMarker returns the time recorded in the first line of the marker file.
func ReadMarker(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%s is empty", path)
	}
	return ParseDate(s.Text())
}

// ParseDate parses the output of `date` or `date -u`, e.g.
// "Fri Apr 15 11:32:19 EDT 2016". UTC/GMT stamps are absolute; any other
// zone abbreviation is taken to be the local zone.
func ParseDate(s string) (time.Time, error) {
	return ParseDateIn(s, time.Local)
}

// ParseDateIn is ParseDate with an explicit zone for non-UTC stamps.
func ParseDateIn(s string, local *time.Location) (time.Time, error) {
	f := strings.Fields(s)
	loc := local
	switch len(f) {
	case 5:
	case 6:
		if z := strings.ToUpper(f[4]); z == "UTC" || z == "GMT" {
			loc = time.UTC
		}
		f = append(f[:4], f[5])
	default:
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	t, err := time.ParseInLocation(dateLayout, strings.Join(f, " "), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q: %w", s, err)
	}
	return t, nil
}
