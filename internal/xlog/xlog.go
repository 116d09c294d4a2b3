package xlog

import (
	"fmt"
	"regexp"
	"strconv"
)

// https://github.com/postgres/postgres/blob/master/src/include/access/xlog_internal.h

const (
	WalSegSz = 16 * 1024 * 1024 // PostgreSQL default 16MiB

	// HashDirLen is the number of leading hex characters (timeline+log) that
	// shard the archive directory tree.
	HashDirLen = 16
)

var (
	walRe     = regexp.MustCompile(`^([0-9A-Fa-f]{8}){3}$`)
	historyRe = regexp.MustCompile(`^[0-9A-Fa-f]{8}\.history$`)
	backupRe  = regexp.MustCompile(`^([0-9A-Fa-f]{8}){3}\.[0-9A-Fa-f]{8}\.backup$`)
	partialRe = regexp.MustCompile(`^([0-9A-Fa-f]{8}){3}\.partial$`)
)

// BadSegmentNameError reports a file name that does not follow the WAL
// naming convention.
type BadSegmentNameError struct {
	Name string
}

func (e *BadSegmentNameError) Error() string {
	return fmt.Sprintf("invalid xlog segment name: %q", e.Name)
}

func IsWalName(name string) bool {
	return walRe.MatchString(name)
}

func IsHistoryName(name string) bool {
	return historyRe.MatchString(name)
}

func IsBackupName(name string) bool {
	return backupRe.MatchString(name)
}

func IsPartialName(name string) bool {
	return partialRe.MatchString(name)
}

// IsAnyXlogName reports whether the name belongs to the WAL archive at all:
// a segment, a partial segment, a backup label or a timeline history file.
func IsAnyXlogName(name string) bool {
	return IsWalName(name) || IsBackupName(name) || IsPartialName(name) || IsHistoryName(name)
}

// HashDir returns the archive subdirectory for a WAL-related file:
// the first 16 hex characters (timeline+log) for segments, backup labels and
// partial files, and the empty string for timeline history files which live
// at the archive root.
func HashDir(name string) (string, error) {
	switch {
	case IsWalName(name) || IsBackupName(name) || IsPartialName(name):
		return name[0:HashDirLen], nil
	case IsHistoryName(name):
		return "", nil
	}
	return "", &BadSegmentNameError{Name: name}
}

func XLogSegmentsPerXLogID(walSegSize uint64) uint64 {
	return 0x100000000 / walSegSize
}

func XLogFileName(tli uint32, logSegNo, walSegSize uint64) string {
	return fmt.Sprintf("%08X%08X%08X",
		tli,
		uint32(logSegNo/XLogSegmentsPerXLogID(walSegSize)),
		uint32(logSegNo%XLogSegmentsPerXLogID(walSegSize)),
	)
}

// DecodeName splits a segment name into its timeline and sequential segment
// number.
func DecodeName(name string) (tli uint32, logSegNo uint64, err error) {
	if !IsWalName(name) {
		return 0, 0, &BadSegmentNameError{Name: name}
	}
	t, err := strconv.ParseUint(name[0:8], 16, 32)
	if err != nil {
		return 0, 0, err
	}
	xlogID, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return 0, 0, err
	}
	seg, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(t), xlogID*XLogSegmentsPerXLogID(WalSegSz) + seg, nil
}

// Enumerate yields every segment name from begin up to and including end,
// on the same timeline.
func Enumerate(begin, end string) ([]string, error) {
	beginTLI, beginSeg, err := DecodeName(begin)
	if err != nil {
		return nil, err
	}
	endTLI, endSeg, err := DecodeName(end)
	if err != nil {
		return nil, err
	}
	if beginTLI != endTLI {
		return nil, fmt.Errorf("cannot enumerate segments across timelines: %s..%s", begin, end)
	}
	if beginSeg > endSeg {
		return nil, fmt.Errorf("begin segment %s is after end segment %s", begin, end)
	}
	names := make([]string, 0, endSeg-beginSeg+1)
	for seg := beginSeg; seg <= endSeg; seg++ {
		names = append(names, XLogFileName(beginTLI, seg, WalSegSz))
	}
	return names, nil
}
