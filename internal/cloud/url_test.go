package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestinationURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantBucket string
		wantPath   string
		wantErr    bool
	}{
		{name: "bucket and path", url: "s3://backups/pg/main", wantBucket: "backups", wantPath: "pg/main"},
		{name: "bucket only", url: "s3://backups", wantBucket: "backups", wantPath: ""},
		{name: "trailing slash trimmed", url: "s3://backups/pg/", wantBucket: "backups", wantPath: "pg"},
		{name: "wrong scheme", url: "gcs://backups/pg", wantErr: true},
		{name: "no scheme", url: "/var/backups", wantErr: true},
		{name: "empty bucket", url: "s3:///pg/main", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDestinationURL(tt.url)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				require.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, got.Bucket)
			assert.Equal(t, tt.wantPath, got.Path)
		})
	}
}
