package pg

import (
	"fmt"
	"regexp"
	"strconv"
)

// Version identifies a PostgreSQL release for compatibility decisions.
// The patch level is never part of those decisions and is dropped at parse
// time; from PostgreSQL 10 on, the second component is a patch level too,
// so only the major number is kept.
type Version struct {
	Major int
	Minor int
}

var versionRe = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

// ParseVersion extracts a version from a string such as "9.4.5", "17.2" or
// "pg_receivewal (PostgreSQL) 17.2".
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("cannot parse PostgreSQL version from %q", s)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, err
	}
	v := Version{Major: major}
	if v.Major < 10 && m[2] != "" {
		if v.Minor, err = strconv.Atoi(m[2]); err != nil {
			return Version{}, err
		}
	}
	return v, nil
}

// VersionFromNum converts a server_version_num value (90405, 170004).
func VersionFromNum(n int) Version {
	if n >= 100000 {
		return Version{Major: n / 10000}
	}
	return Version{Major: n / 10000, Minor: (n / 100) % 100}
}

func (v Version) String() string {
	if v.Major >= 10 {
		return strconv.Itoa(v.Major)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1, 0 or 1 ordering v against other.
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// Before reports whether v precedes other.
func (v Version) Before(other Version) bool {
	return v.Compare(other) < 0
}
