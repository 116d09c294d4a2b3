package xlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameClassification(t *testing.T) {
	tests := []struct {
		name    string
		wal     bool
		history bool
		backup  bool
		partial bool
	}{
		{name: "000000010000000000000001", wal: true},
		{name: "00000001000000000000000f", wal: true}, // lowercase hex is accepted
		{name: "00000002.history", history: true},
		{name: "000000010000000000000001.00000028.backup", backup: true},
		{name: "000000010000000000000001.partial", partial: true},
		{name: "00000001000000000000001"},   // 23 chars
		{name: "0000000100000000000000010"}, // 25 chars
		{name: "000000010000000000000001.gz"},
		{name: "backup_label"},
		{name: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wal, IsWalName(tt.name))
			assert.Equal(t, tt.history, IsHistoryName(tt.name))
			assert.Equal(t, tt.backup, IsBackupName(tt.name))
			assert.Equal(t, tt.partial, IsPartialName(tt.name))
			assert.Equal(t, tt.wal || tt.history || tt.backup || tt.partial, IsAnyXlogName(tt.name))
		})
	}
}

func TestHashDir(t *testing.T) {
	t.Run("wal segment", func(t *testing.T) {
		dir, err := HashDir("000000010000000200000003")
		require.NoError(t, err)
		assert.Equal(t, "0000000100000002", dir)
	})

	t.Run("backup label", func(t *testing.T) {
		dir, err := HashDir("000000010000000200000003.00000028.backup")
		require.NoError(t, err)
		assert.Equal(t, "0000000100000002", dir)
	})

	t.Run("history file goes to the archive root", func(t *testing.T) {
		dir, err := HashDir("00000002.history")
		require.NoError(t, err)
		assert.Equal(t, "", dir)
	})

	t.Run("invalid name", func(t *testing.T) {
		_, err := HashDir("garbage")
		var badName *BadSegmentNameError
		require.ErrorAs(t, err, &badName)
		assert.Equal(t, "garbage", badName.Name)
	})
}

func TestDecodeName(t *testing.T) {
	tli, segNo, err := DecodeName("000000010000000000000001")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tli)
	assert.Equal(t, uint64(1), segNo)

	// round-trip through the encoder
	assert.Equal(t, "000000010000000000000001", XLogFileName(tli, segNo, WalSegSz))

	_, _, err = DecodeName("00000002.history")
	assert.Error(t, err)
}

func TestEnumerate(t *testing.T) {
	t.Run("within one log file", func(t *testing.T) {
		names, err := Enumerate("0000000100000000000000FD", "000000010000000100000001")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"0000000100000000000000FD",
			"0000000100000000000000FE",
			"0000000100000000000000FF",
			"000000010000000100000000",
			"000000010000000100000001",
		}, names)
	})

	t.Run("cross-timeline is rejected", func(t *testing.T) {
		_, err := Enumerate("000000010000000000000001", "000000020000000000000002")
		assert.Error(t, err)
	})

	t.Run("reversed range is rejected", func(t *testing.T) {
		_, err := Enumerate("000000010000000000000002", "000000010000000000000001")
		assert.Error(t, err)
	})
}
