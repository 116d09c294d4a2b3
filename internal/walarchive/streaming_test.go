package walarchive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/pg"
)

func TestReceiverCompatible(t *testing.T) {
	v := func(major, minor int) pg.Version {
		return pg.Version{Major: major, Minor: minor}
	}
	tests := []struct {
		receiver pg.Version
		server   pg.Version
		want     bool
	}{
		// either side below 9.3 requires an exact match
		{v(9, 2), v(9, 2), true},
		{v(9, 2), v(9, 5), false},
		{v(9, 2), v(9, 1), false},
		{v(9, 5), v(9, 2), false},
		{v(9, 3), v(9, 2), false},
		// 9.3+ clients stream from same or older servers
		{v(9, 5), v(9, 3), true},
		{v(9, 3), v(9, 5), false},
		{v(9, 4), v(9, 4), true},
		{v(17, 0), v(16, 0), true},
		{v(16, 0), v(17, 0), false},
	}
	for _, tt := range tests {
		got := ReceiverCompatible(tt.receiver, tt.server)
		assert.Equalf(t, tt.want, got, "receiver %s vs server %s", tt.receiver, tt.server)
	}
}

func TestFindReceiver(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "pg_receivewal")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\necho 'pg_receivewal (PostgreSQL) 17.2'\n"), 0o755))

	s := NewStreamingArchiver(&StreamingArchiverOpts{
		ServerName:   "main",
		ReceiverPath: script,
	})
	receiver, err := s.FindReceiver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, script, receiver.Path)
	assert.Equal(t, "17", receiver.Version.String())
}

func TestStreamingArchivePromotesCompletedSegments(t *testing.T) {
	home := t.TempDir()
	streaming := filepath.Join(home, "streaming")
	incoming := filepath.Join(home, "incoming")
	require.NoError(t, os.MkdirAll(streaming, 0o700))

	for _, name := range []string{
		"000000010000000000000001",
		"000000010000000000000002.partial",
		"00000002.history",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(streaming, name), []byte("x"), 0o600))
	}

	s := NewStreamingArchiver(&StreamingArchiverOpts{
		ServerName:   "main",
		StreamingDir: streaming,
		IncomingDir:  incoming,
	})
	require.NoError(t, s.Archive(context.Background()))

	assert.FileExists(t, filepath.Join(incoming, "000000010000000000000001"))
	assert.FileExists(t, filepath.Join(incoming, "00000002.history"))
	// the segment still being written stays behind
	assert.FileExists(t, filepath.Join(streaming, "000000010000000000000002.partial"))
	assert.NoFileExists(t, filepath.Join(incoming, "000000010000000000000002.partial"))
}

func TestStreamingArchiveMissingDir(t *testing.T) {
	s := NewStreamingArchiver(&StreamingArchiverOpts{
		ServerName:   "main",
		StreamingDir: filepath.Join(t.TempDir(), "nope"),
	})
	assert.NoError(t, s.Archive(context.Background()))
}
