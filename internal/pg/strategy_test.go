package pg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStartBackupQuery(t *testing.T) {
	tests := []struct {
		name       string
		version    int
		concurrent bool
		contains   string
		wantErr    bool
	}{
		{name: "15 concurrent", version: 150000, concurrent: true, contains: "pg_backup_start"},
		{name: "12 concurrent", version: 120007, concurrent: true, contains: "pg_start_backup($1, $2, false)"},
		{name: "9.6 concurrent", version: 90600, concurrent: true, contains: "pg_xlogfile_name"},
		{name: "9.5 concurrent unsupported", version: 90500, concurrent: true, wantErr: true},
		{name: "15 exclusive removed", version: 150000, wantErr: true},
		{name: "12 exclusive", version: 120007, contains: "pg_start_backup($1, $2, true)"},
		{name: "9.4 exclusive", version: 90400, contains: "pg_start_backup($1, $2)"},
		{name: "prehistoric", version: 80400, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, err := buildStartBackupQuery(tt.version, tt.concurrent)
			if tt.wantErr {
				var unsupported *UnsupportedVersionError
				require.ErrorAs(t, err, &unsupported)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, query, tt.contains)
		})
	}
}

func TestBuildStopBackupQuery(t *testing.T) {
	t.Run("15 concurrent returns the label file", func(t *testing.T) {
		query, err := buildStopBackupQuery(150000, true)
		require.NoError(t, err)
		assert.Contains(t, query, "pg_backup_stop(true)")
		assert.Contains(t, query, "labelfile")
	})

	t.Run("9.6 concurrent", func(t *testing.T) {
		query, err := buildStopBackupQuery(90600, true)
		require.NoError(t, err)
		assert.Contains(t, query, "pg_stop_backup(false)")
	})

	t.Run("12 exclusive", func(t *testing.T) {
		query, err := buildStopBackupQuery(120007, false)
		require.NoError(t, err)
		assert.Contains(t, query, "pg_stop_backup()")
		assert.False(t, strings.Contains(query, "labelfile"))
	})

	t.Run("15 exclusive removed", func(t *testing.T) {
		_, err := buildStopBackupQuery(150000, false)
		assert.Error(t, err)
	})
}

func TestTimelineOf(t *testing.T) {
	assert.Equal(t, 1, timelineOf("000000010000000000000002"))
	assert.Equal(t, 0x2A, timelineOf("0000002A0000000000000002"))
	assert.Equal(t, 0, timelineOf("bogus"))
}
