package backup

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgship/pgship/internal/infofile"
	"github.com/pgship/pgship/internal/pg"
)

// fakeCloud is an in-memory cloud.Uploader.
type fakeCloud struct {
	mu        sync.Mutex
	objects   map[string][]byte
	pending   map[string][][]byte // key -> parts
	completed map[string][]byte
	aborted   []string
	failPut   bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		objects:   make(map[string][]byte),
		pending:   make(map[string][][]byte),
		completed: make(map[string][]byte),
	}
}

func (f *fakeCloud) PutObject(_ context.Context, key string, body io.Reader) error {
	if f.failPut {
		return errors.New("put refused")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeCloud) CreateMultipartUpload(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[key] = nil
	return "upload-" + key, nil
}

func (f *fakeCloud) UploadPart(_ context.Context, key, _ string, partNumber int32, body io.Reader) (types.CompletedPart, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return types.CompletedPart{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[key] = append(f.pending[key], data)
	return types.CompletedPart{
		ETag:       aws.String(fmt.Sprintf("etag-%d", partNumber)),
		PartNumber: aws.Int32(partNumber),
	}, nil
}

func (f *fakeCloud) CompleteMultipartUpload(_ context.Context, key, _ string, _ []types.CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[key] = bytes.Join(f.pending[key], nil)
	delete(f.pending, key)
	return nil
}

func (f *fakeCloud) AbortMultipartUpload(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, key)
	delete(f.pending, key)
	return nil
}

func newTestCloudUploader(t *testing.T, fc *fakeCloud, strategy pg.BackupStrategy) *CloudBackupUploader {
	t.Helper()
	pgdata := filepath.Join(t.TempDir(), "pgdata")
	require.NoError(t, os.MkdirAll(filepath.Join(pgdata, "global"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(pgdata, "pg_wal"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(pgdata, "global", "pg_control"), []byte("ctrl"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(pgdata, "PG_VERSION"), []byte("17\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(pgdata, "pg_wal", "000000010000000000000001"), []byte("wal"), 0o600))

	return NewCloudBackupUploader(&CloudUploaderOpts{
		ServerName: "main",
		Conn: &fakeConn{
			versionNum: 170002,
			systemID:   "7000000000000000001",
			pgdata:     pgdata,
		},
		Strategy: strategy,
		Cloud:    fc,
	})
}

func TestCloudBackupHappyPath(t *testing.T) {
	fc := newFakeCloud()
	u := newTestCloudUploader(t, fc, &fakeStrategy{label: "LABEL: base backup\\n"})

	info, err := u.Backup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, infofile.StatusDone, info.Status)

	prefix := "main/base/" + info.BackupID
	dataKey := prefix + "/data.tar"
	archive, ok := fc.completed[dataKey]
	require.True(t, ok, "data archive must be completed, have: %v", keysOf(fc.completed))
	// pg_wal content is excluded, the data files and the late backup_label are in
	names := tarNames(t, archive)
	assert.Contains(t, names, "global/pg_control")
	assert.Contains(t, names, "PG_VERSION")
	assert.Contains(t, names, "backup_label")
	assert.NotContains(t, names, "pg_wal/000000010000000000000001")

	// backup.info is a plain object under the backup prefix
	raw, ok := fc.objects[prefix+"/backup.info"]
	require.True(t, ok)
	saved := &infofile.BackupInfo{}
	require.NoError(t, saved.Load(bytes.NewReader(raw)))
	assert.Equal(t, infofile.StatusDone, saved.Status)
	assert.Equal(t, info.BackupID, saved.BackupID)

	assert.Empty(t, fc.aborted)
	assert.Empty(t, fc.pending, "no multipart upload left in flight")
}

func TestCloudBackupFailureAbortsAndRecords(t *testing.T) {
	fc := newFakeCloud()
	u := newTestCloudUploader(t, fc, &fakeStrategy{stopErr: errors.New("server vanished")})

	info, err := u.Backup(context.Background())
	require.Error(t, err)
	assert.Equal(t, infofile.StatusFailed, info.Status)

	// the in-flight data archive was aborted, not completed
	assert.NotEmpty(t, fc.aborted)
	assert.Empty(t, fc.completed)
	assert.Empty(t, fc.pending)

	// the attempt is still recorded remotely
	raw, ok := fc.objects["main/base/"+info.BackupID+"/backup.info"]
	require.True(t, ok)
	saved := &infofile.BackupInfo{}
	require.NoError(t, saved.Load(bytes.NewReader(raw)))
	assert.Equal(t, infofile.StatusFailed, saved.Status)
	assert.Contains(t, saved.Error, "server vanished")
}

func keysOf(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func tarNames(t *testing.T, archive []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, strings.TrimPrefix(hdr.Name, "./"))
	}
	return names
}
