package maint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/lockfile"
	"github.com/pgship/pgship/internal/walarchive"
)

type fakeArchiver struct {
	name string
	runs int
	err  error
}

func (f *fakeArchiver) Name() string                                  { return f.name }
func (f *fakeArchiver) RemoteStatus(_ context.Context) map[string]any { return nil }
func (f *fakeArchiver) ResetRemoteStatus()                            {}
func (f *fakeArchiver) Check(_ context.Context) []walarchive.CheckItem {
	return nil
}

func (f *fakeArchiver) Archive(_ context.Context) error {
	f.runs++
	return f.err
}

func TestRunOnce(t *testing.T) {
	home := t.TempDir()
	first := &fakeArchiver{name: "streaming archiver"}
	second := &fakeArchiver{name: "file archiver"}

	m := New(&Opts{
		Home:       home,
		ServerName: "main",
		EnsureDirs: []string{filepath.Join(home, "main", "incoming")},
		Archivers:  []walarchive.Archiver{first, second},
	})
	require.NoError(t, m.RunOnce(context.Background()))
	assert.Equal(t, 1, first.runs)
	assert.Equal(t, 1, second.runs)
	assert.DirExists(t, filepath.Join(home, "main", "incoming"))
}

func TestRunOnceIsolatesArchiverFailures(t *testing.T) {
	home := t.TempDir()
	boom := errors.New("spool unreadable")
	first := &fakeArchiver{name: "streaming archiver", err: boom}
	second := &fakeArchiver{name: "file archiver"}

	m := New(&Opts{Home: home, ServerName: "main",
		Archivers: []walarchive.Archiver{first, second}})

	err := m.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// the second archiver still ran
	assert.Equal(t, 1, second.runs)
}

func TestRunOnceRefusedWhenLockBusy(t *testing.T) {
	home := t.TempDir()
	held, release, err := lockfile.CronLock(home).TryAcquire()
	require.NoError(t, err)
	require.True(t, held)
	defer release()

	m := New(&Opts{Home: home, ServerName: "main"})
	err = m.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
