package copy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/transport"
)

// fakeTransport records calls in order and can fail selected destinations.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	opts  map[string]*transport.SyncOpts
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		fail: make(map[string]error),
		opts: make(map[string]*transport.SyncOpts),
	}
}

func (f *fakeTransport) record(kind, dst string, opts *transport.SyncOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind+":"+dst)
	f.opts[dst] = opts
	return f.fail[dst]
}

func (f *fakeTransport) SmartCopy(_ context.Context, _, dst string, opts *transport.SyncOpts, _ *time.Time) error {
	return f.record("dir", dst, opts)
}

func (f *fakeTransport) CopyFile(_ context.Context, _, dst string) error {
	return f.record("file", dst, nil)
}

func TestParseReuseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ReuseMode
		wantErr bool
	}{
		{in: "", want: ReuseOff},
		{in: "off", want: ReuseOff},
		{in: "link", want: ReuseLink},
		{in: "Copy", want: ReuseCopy},
		{in: "hardlink", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseReuseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestCopyOrdering(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(ft, nil)

	e.AddDirectory("pgdata", "/pgdata", "dst:pgdata", DirectoryOpts{Class: ClassPgdata})
	e.AddDirectory("tbs1", "/srv/tbs1", "dst:tbs1", DirectoryOpts{Class: ClassTablespace})
	e.AddFile("pg_control", "/pgdata/global/pg_control", "dst:pg_control", false)

	stats, err := e.Copy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.NumberOfJobs)

	// tablespaces strictly before pgdata, files last
	assert.Equal(t, []string{"dir:dst:tbs1", "dir:dst:pgdata", "file:dst:pg_control"}, ft.calls)
}

func TestCopyReuseArgs(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(ft, nil)
	e.AddDirectory("pgdata", "/pgdata", "dst:pgdata", DirectoryOpts{
		Class:    ClassPgdata,
		Reuse:    ReuseLink,
		ReuseDir: "/srv/base/prev/data",
	})
	_, err := e.Copy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/srv/base/prev/data", ft.opts["dst:pgdata"].LinkDest)
	assert.Empty(t, ft.opts["dst:pgdata"].CopyDest)
}

func TestCopyFailFast(t *testing.T) {
	ft := newFakeTransport()
	ft.fail["dst:tbs1"] = assert.AnError

	e := NewEngine(ft, nil)
	e.AddDirectory("tbs1", "/srv/tbs1", "dst:tbs1", DirectoryOpts{Class: ClassTablespace})
	e.AddDirectory("pgdata", "/pgdata", "dst:pgdata", DirectoryOpts{Class: ClassPgdata})
	e.AddFile("pg_control", "/pgdata/global/pg_control", "dst:pg_control", false)

	_, err := e.Copy(context.Background())
	var copyErr *CopyError
	require.ErrorAs(t, err, &copyErr)
	assert.Equal(t, "tbs1", copyErr.Label)
	assert.ErrorIs(t, err, assert.AnError)

	// pgdata and the file job never ran
	assert.Equal(t, []string{"dir:dst:tbs1"}, ft.calls)
}

func TestDestinationSizeCountsNestedTablespaceOnce(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	tbsDst := filepath.Join(dataDir, "pg_tblspc", "16390")
	require.NoError(t, os.MkdirAll(tbsDst, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("17\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(tbsDst, "16391"), make([]byte, 100), 0o600))

	e := NewEngine(newFakeTransport(), nil)
	e.AddDirectory("tbs1", "/srv/tbs1", tbsDst, DirectoryOpts{Class: ClassTablespace})
	e.AddDirectory("pgdata", "/pgdata", dataDir, DirectoryOpts{Class: ClassPgdata})

	// the tablespace lives under the data directory destination, its
	// bytes must not be counted twice
	assert.Equal(t, int64(103), e.destinationSize())
}

func TestCopyCleanupRemovesPartialLocalDestination(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "base", "20260828T101500", "data")

	ft := newFakeTransport()
	ft.fail[dst] = assert.AnError

	e := NewEngine(ft, nil)
	e.AddDirectory("pgdata", "/pgdata", dst, DirectoryOpts{Class: ClassPgdata})

	_, err := e.Copy(context.Background())
	require.Error(t, err)
	assert.NoDirExists(t, dst)
}

func TestOptionalFileSkippedWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "pg_hba.conf")
	require.NoError(t, os.WriteFile(present, []byte("local all all trust"), 0o600))

	ft := newFakeTransport()
	e := NewEngine(ft, nil)
	e.AddFile("hba_file", present, "dst:hba", false)
	e.AddFile("ident_file", filepath.Join(dir, "pg_ident.conf"), "dst:ident", true)

	_, err := e.Copy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"file:dst:hba"}, ft.calls)
}

func TestRequiredFileStillCopiedWhenAbsent(t *testing.T) {
	// a missing required file is the transport's error to raise; the
	// engine must not silently skip it
	ft := newFakeTransport()
	e := NewEngine(ft, nil)
	e.AddFile("config_file", "/nonexistent/postgresql.conf", "dst:conf", false)

	_, err := e.Copy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"file:dst:conf"}, ft.calls)
}

func TestPgdataExclusions(t *testing.T) {
	pgdata := "/var/lib/postgresql/17/main"
	tablespaces := []infofile.Tablespace{
		{Name: "outside", OID: 16384, Location: "/srv/tbs1"},
		{Name: "inside", OID: 16385, Location: "/var/lib/postgresql/17/main/my_tbs"},
	}
	assert.Equal(t, []string{
		"/pg_tblspc/16384",
		"/pg_tblspc/16385",
		"/my_tbs",
	}, PgdataExclusions(pgdata, tablespaces))
}

func TestIsLocalPath(t *testing.T) {
	assert.True(t, isLocalPath("/srv/backups/data"))
	assert.True(t, isLocalPath("relative/dir"))
	assert.True(t, isLocalPath("/srv/odd:name/dir"))
	assert.False(t, isLocalPath("db1:/srv/backups"))
	assert.False(t, isLocalPath("postgres@db1:/srv/backups"))
	assert.False(t, isLocalPath("rsync://db1/backups"))
}
