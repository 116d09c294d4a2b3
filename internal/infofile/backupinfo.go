package infofile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Backup status values. A backup is mutable while STARTED and frozen once
// it reaches a terminal status (DONE or FAILED).
const (
	StatusEmpty   = "EMPTY"
	StatusStarted = "STARTED"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// NoneValue is the literal token written for absent values, both in
// backup.info and in the WAL catalog.
const NoneValue = "None"

// Tablespace is a PostgreSQL tablespace as seen at backup time.
// OID is unique within a backup; Location may live inside or outside pgdata.
type Tablespace struct {
	Name     string `json:"name"`
	OID      uint32 `json:"oid"`
	Location string `json:"location"`
}

// CopyStats holds aggregate transfer statistics of the copy phase.
type CopyStats struct {
	TotalTime    float64 `json:"total_time"`
	CopyTime     float64 `json:"copy_time"`
	NumberOfJobs int     `json:"number_of_jobs"`
	Bytes        int64   `json:"bytes"`
}

// BackupInfo is the persistent metadata of a single base backup.
// It is saved as one field=value line per attribute; the set of known
// fields is fixed and ordered (see fieldTable), unknown fields on load are
// rejected.
type BackupInfo struct {
	BackupID   string
	ServerName string
	Status     string
	Version    int
	Pgdata     string

	ConfigFile string
	HbaFile    string
	IdentFile  string

	Tablespaces []Tablespace
	Timeline    int

	BeginTime   time.Time
	BeginWal    string
	BeginXlog   string
	BeginOffset int

	EndTime   time.Time
	EndWal    string
	EndXlog   string
	EndOffset int

	BackupLabel      string
	SystemID         string
	Size             int64
	DeduplicatedSize int64
	Error            string
	Compression      string
	CopyStats        *CopyStats
}

func NewBackupInfo(serverName, backupID string) *BackupInfo {
	return &BackupInfo{
		BackupID:   backupID,
		ServerName: serverName,
		Status:     StatusEmpty,
	}
}

// fieldCodec converts one BackupInfo attribute to and from its textual form.
// Dump returns ok=false when the value is absent (serialized as NoneValue).
type fieldCodec struct {
	name string
	dump func(b *BackupInfo) (string, bool)
	load func(b *BackupInfo, s string) error
}

func stringField(name string, get func(b *BackupInfo) *string) fieldCodec {
	return fieldCodec{
		name: name,
		dump: func(b *BackupInfo) (string, bool) {
			v := *get(b)
			return v, v != ""
		},
		load: func(b *BackupInfo, s string) error {
			*get(b) = s
			return nil
		},
	}
}

func intField(name string, get func(b *BackupInfo) *int) fieldCodec {
	return fieldCodec{
		name: name,
		dump: func(b *BackupInfo) (string, bool) {
			return strconv.Itoa(*get(b)), true
		},
		load: func(b *BackupInfo, s string) error {
			v, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			*get(b) = v
			return nil
		},
	}
}

func int64Field(name string, get func(b *BackupInfo) *int64) fieldCodec {
	return fieldCodec{
		name: name,
		dump: func(b *BackupInfo) (string, bool) {
			return strconv.FormatInt(*get(b), 10), true
		},
		load: func(b *BackupInfo, s string) error {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			*get(b) = v
			return nil
		},
	}
}

func timeField(name string, get func(b *BackupInfo) *time.Time) fieldCodec {
	return fieldCodec{
		name: name,
		dump: func(b *BackupInfo) (string, bool) {
			v := *get(b)
			if v.IsZero() {
				return "", false
			}
			return v.Format(time.RFC3339Nano), true
		},
		load: func(b *BackupInfo, s string) error {
			v, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			*get(b) = v
			return nil
		},
	}
}

// fieldTable is the explicit ordered schema of backup.info. Order is the
// order fields appear in the file; adding a field is an append here plus a
// struct member, nothing else.
func fieldTable() []fieldCodec {
	return []fieldCodec{
		stringField("backup_id", func(b *BackupInfo) *string { return &b.BackupID }),
		stringField("server_name", func(b *BackupInfo) *string { return &b.ServerName }),
		stringField("status", func(b *BackupInfo) *string { return &b.Status }),
		intField("version", func(b *BackupInfo) *int { return &b.Version }),
		stringField("pgdata", func(b *BackupInfo) *string { return &b.Pgdata }),
		stringField("config_file", func(b *BackupInfo) *string { return &b.ConfigFile }),
		stringField("hba_file", func(b *BackupInfo) *string { return &b.HbaFile }),
		stringField("ident_file", func(b *BackupInfo) *string { return &b.IdentFile }),
		{
			name: "tablespaces",
			dump: func(b *BackupInfo) (string, bool) {
				if b.Tablespaces == nil {
					return "", false
				}
				data, err := json.Marshal(b.Tablespaces)
				if err != nil {
					return "", false
				}
				return string(data), true
			},
			load: func(b *BackupInfo, s string) error {
				var tbs []Tablespace
				if err := json.Unmarshal([]byte(s), &tbs); err != nil {
					return fmt.Errorf("field tablespaces: %w", err)
				}
				b.Tablespaces = tbs
				return nil
			},
		},
		intField("timeline", func(b *BackupInfo) *int { return &b.Timeline }),
		timeField("begin_time", func(b *BackupInfo) *time.Time { return &b.BeginTime }),
		stringField("begin_wal", func(b *BackupInfo) *string { return &b.BeginWal }),
		stringField("begin_xlog", func(b *BackupInfo) *string { return &b.BeginXlog }),
		intField("begin_offset", func(b *BackupInfo) *int { return &b.BeginOffset }),
		timeField("end_time", func(b *BackupInfo) *time.Time { return &b.EndTime }),
		stringField("end_wal", func(b *BackupInfo) *string { return &b.EndWal }),
		stringField("end_xlog", func(b *BackupInfo) *string { return &b.EndXlog }),
		intField("end_offset", func(b *BackupInfo) *int { return &b.EndOffset }),
		stringField("backup_label", func(b *BackupInfo) *string { return &b.BackupLabel }),
		stringField("systemid", func(b *BackupInfo) *string { return &b.SystemID }),
		int64Field("size", func(b *BackupInfo) *int64 { return &b.Size }),
		int64Field("deduplicated_size", func(b *BackupInfo) *int64 { return &b.DeduplicatedSize }),
		stringField("error", func(b *BackupInfo) *string { return &b.Error }),
		stringField("compression", func(b *BackupInfo) *string { return &b.Compression }),
		{
			name: "copy_stats",
			dump: func(b *BackupInfo) (string, bool) {
				if b.CopyStats == nil {
					return "", false
				}
				data, err := json.Marshal(b.CopyStats)
				if err != nil {
					return "", false
				}
				return string(data), true
			},
			load: func(b *BackupInfo, s string) error {
				var st CopyStats
				if err := json.Unmarshal([]byte(s), &st); err != nil {
					return fmt.Errorf("field copy_stats: %w", err)
				}
				b.CopyStats = &st
				return nil
			},
		},
	}
}

// Save writes every known field, one field=value line per attribute,
// in schema order.
func (b *BackupInfo) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, f := range fieldTable() {
		value, ok := f.dump(b)
		if !ok {
			value = NoneValue
		}
		if strings.ContainsAny(value, "\n") {
			return fmt.Errorf("field %s: value contains a newline", f.name)
		}
		if _, err := fmt.Fprintf(bw, "%s=%s\n", f.name, value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load reads field=value lines. An unknown field name is an error: the file
// was written by a different (newer) schema and silently dropping data is
// worse than failing.
func (b *BackupInfo) Load(r io.Reader) error {
	byName := make(map[string]fieldCodec)
	for _, f := range fieldTable() {
		byName[f.name] = f
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("malformed line %d: %q", lineNo, line)
		}
		f, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown field %q at line %d", name, lineNo)
		}
		if value == NoneValue {
			continue
		}
		if err := f.load(b, value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (b *BackupInfo) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := b.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func LoadFromFile(path string) (*BackupInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := &BackupInfo{}
	if err := b.Load(f); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return b, nil
}

// SetError marks the backup as failed, keeping the failure message.
func (b *BackupInfo) SetError(err error) {
	b.Status = StatusFailed
	b.Error = err.Error()
}

// TablespaceOIDs returns the backup's tablespace OID set, sorted.
// Reuse against a prior backup is valid only when this set matches.
func (b *BackupInfo) TablespaceOIDs() []uint32 {
	oids := make([]uint32, 0, len(b.Tablespaces))
	for _, tbs := range b.Tablespaces {
		oids = append(oids, tbs.OID)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	return oids
}
