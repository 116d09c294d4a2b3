package walarchive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/grafana/dskit/services"

	"github.com/pgship/pgship/internal/cmdexec"
	"github.com/pgship/pgship/internal/pg"
)

// receiverNames in probe order. pg_receivexlog is the pre-10 spelling.
var receiverNames = []string{"pg_receivewal", "pg_receivexlog"}

// Receiver is a usable WAL streaming client found on this host.
type Receiver struct {
	Path    string
	Version pg.Version
}

// ReceiverCompatible reports whether a streaming client of the given
// version can stream from a server of the given version. When either
// side is older than 9.3 the versions must match exactly; from 9.3 on
// a client streams from any server of the same or older version.
func ReceiverCompatible(receiver, server pg.Version) bool {
	crossVersion := pg.Version{Major: 9, Minor: 3}
	if receiver.Before(crossVersion) || server.Before(crossVersion) {
		return receiver.Compare(server) == 0
	}
	return !receiver.Before(server)
}

type StreamingArchiverOpts struct {
	ServerName   string
	StreamingDir string
	IncomingDir  string
	Slot         string
	Conninfo     string // streaming connection string, in key=value or URL form
	ReceiverPath string // overrides the PATH lookup when set
}

// StreamingArchiver keeps a pg_receivewal subprocess attached to the
// server and promotes the segments it completes into the incoming
// directory, where the file archiver picks them up.
type StreamingArchiver struct {
	*services.BasicService

	serverName   string
	streamingDir string
	incomingDir  string
	slot         string
	conninfo     string
	receiverPath string

	mu     sync.Mutex
	status map[string]any

	l *slog.Logger
}

func NewStreamingArchiver(opts *StreamingArchiverOpts) *StreamingArchiver {
	s := &StreamingArchiver{
		serverName:   opts.ServerName,
		streamingDir: opts.StreamingDir,
		incomingDir:  opts.IncomingDir,
		slot:         opts.Slot,
		conninfo:     opts.Conninfo,
		receiverPath: opts.ReceiverPath,
		l:            slog.With(slog.String("component", "streaming-archiver")),
	}
	s.BasicService = services.NewBasicService(nil, s.run, nil).
		WithName("receive-wal")
	return s
}

func (s *StreamingArchiver) Name() string { return "streaming archiver" }

// FindReceiver locates the streaming client binary and parses its
// version from --version output.
func (s *StreamingArchiver) FindReceiver(ctx context.Context) (*Receiver, error) {
	path := s.receiverPath
	if path == "" {
		for _, name := range receiverNames {
			if p, err := exec.LookPath(name); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil, fmt.Errorf("no pg_receivewal or pg_receivexlog found in PATH")
	}
	stdout, _, err := cmdexec.New(path, "--version").Output(ctx)
	if err != nil {
		return nil, err
	}
	version, err := pg.ParseVersion(stdout)
	if err != nil {
		return nil, fmt.Errorf("%s --version: %w", path, err)
	}
	return &Receiver{Path: path, Version: version}, nil
}

func (s *StreamingArchiver) RemoteStatus(ctx context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil {
		return s.status
	}
	status := map[string]any{
		"pg_receivewal_installed":  false,
		"pg_receivewal_path":       nil,
		"pg_receivewal_version":    nil,
		"pg_receivewal_compatible": nil,
		"streaming":                nil,
	}
	s.status = status

	receiver, err := s.FindReceiver(ctx)
	if err != nil {
		s.l.Warn("streaming client probe failed", slog.Any("err", err))
		return status
	}
	status["pg_receivewal_installed"] = true
	status["pg_receivewal_path"] = receiver.Path
	status["pg_receivewal_version"] = receiver.Version.String()

	info, err := pg.ProbeReplication(ctx, s.conninfo)
	if err != nil {
		// server version unknown, compatibility stays undetermined
		s.l.Warn("replication probe failed", slog.Any("err", err))
		return status
	}
	status["streaming"] = info
	server, err := pg.ParseVersion(info.ServerVersion)
	if err != nil {
		return status
	}
	status["pg_receivewal_compatible"] = ReceiverCompatible(receiver.Version, server)
	return status
}

func (s *StreamingArchiver) ResetRemoteStatus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = nil
}

func (s *StreamingArchiver) Check(ctx context.Context) []CheckItem {
	status := s.RemoteStatus(ctx)
	items := make([]CheckItem, 0, 3)

	installed, _ := status["pg_receivewal_installed"].(bool)
	items = append(items, CheckItem{
		Name: "pg_receivewal installed",
		OK:   installed,
		Hint: "install the PostgreSQL client binaries",
	})

	compatItem := CheckItem{
		Name: "pg_receivewal compatible",
		Hint: "version compatibility could not be determined",
	}
	if compatible, ok := status["pg_receivewal_compatible"].(bool); ok {
		compatItem.OK = compatible
		compatItem.Hint = fmt.Sprintf("client version %v, server version %v",
			status["pg_receivewal_version"], status["streaming"].(*pg.ReplicationInfo).ServerVersion)
	}
	items = append(items, compatItem)

	items = append(items, CheckItem{
		Name: "replication connection",
		OK:   status["streaming"] != nil,
		Hint: "the streaming connection string must allow replication",
	})
	return items
}

// run blocks for the lifetime of the pg_receivewal subprocess.
func (s *StreamingArchiver) run(ctx context.Context) error {
	receiver, err := s.FindReceiver(ctx)
	if err != nil {
		return &ArchiverError{Archiver: s.Name(), Cause: err}
	}
	if err := os.MkdirAll(s.streamingDir, 0o700); err != nil {
		return &ArchiverError{Archiver: s.Name(), Cause: err}
	}

	args := []string{
		"--directory", s.streamingDir,
		"--dbname", s.conninfo,
		"--no-password",
	}
	if s.slot != "" {
		args = append(args, "--slot", s.slot)
	}
	s.l.Info("starting wal receiver",
		slog.String("path", receiver.Path),
		slog.String("version", receiver.Version.String()),
		slog.String("dir", s.streamingDir),
	)
	if err := cmdexec.New(receiver.Path, args...).Run(ctx); err != nil {
		return &ArchiverError{Archiver: s.Name(), Cause: err}
	}
	return nil
}

// Archive promotes completed segments from the streaming directory into
// the incoming directory. Segments still being written carry a .partial
// suffix and stay behind.
func (s *StreamingArchiver) Archive(_ context.Context) error {
	entries, err := os.ReadDir(s.streamingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &ArchiverError{Archiver: s.Name(), Cause: err}
	}
	if err := os.MkdirAll(s.incomingDir, 0o700); err != nil {
		return &ArchiverError{Archiver: s.Name(), Cause: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !validArchiveName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		src := filepath.Join(s.streamingDir, name)
		dst := filepath.Join(s.incomingDir, name)
		if err := os.Rename(src, dst); err != nil {
			return &ArchiverError{Archiver: s.Name(), Cause: err}
		}
		s.l.Debug("promoted streamed wal file", slog.String("name", name))
	}
	return nil
}
