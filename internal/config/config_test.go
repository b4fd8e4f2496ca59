package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, RecordsBolt, c.Records)
	assert.Equal(t, DefaultMetaAddr, c.MetaAddr)
	assert.Equal(t, DefaultBlobAddr, c.BlobAddr)
	assert.Equal(t, 2500*time.Millisecond, c.HeartbeatInterval)
	assert.Equal(t, 65536, c.AppliedWindow)
	assert.Equal(t, 30*time.Second, c.BlobTimeout)
	assert.NotEmpty(t, c.DataDir)
	require.NoError(t, c.Validate())
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
device_id: tablet-3
display_name: Front desk
data_dir: /var/lib/lansync
records: memory
meta_addr: 0.0.0.0:9000
heartbeat_interval: 1s
lease_ttl: 90s
snapshot_every: -1
advertise: true
blob_timeout: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, "tablet-3", c.DeviceID)
	assert.Equal(t, "Front desk", c.DisplayName)
	assert.Equal(t, RecordsMemory, c.Records)
	assert.Equal(t, "0.0.0.0:9000", c.MetaAddr)
	assert.Equal(t, DefaultBlobAddr, c.BlobAddr, "unset keys keep defaults")
	assert.Equal(t, time.Second, c.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, c.LeaseTTL)
	assert.Equal(t, -1, c.SnapshotEvery)
	assert.True(t, c.Advertise)
	assert.Equal(t, 5*time.Second, c.BlobTimeout)
	assert.Equal(t, "/var/lib/lansync/oplog.db", c.OpLogPath())
	assert.Equal(t, "/var/lib/lansync/blobs", c.BlobDir())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "heartbeat: 1s\n", "field heartbeat not found"},
		{"bad backend", "records: postgres\n", "unknown backend"},
		{"bad duration", "lease_ttl: soon\n", "parse config"},
		{"window below limit", "applied_window: 10\ncatch_up_limit: 100\n", "applied_window"},
		{"negative queue", "send_queue: -4\n", "send_queue"},
		{"negative blob timeout", "blob_timeout: -1s\n", "blob_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	c, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	path := filepath.Join(dir, "lansync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("records: memory\n"), 0o644))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, RecordsMemory, c.Records)

	require.NoError(t, os.WriteFile(path, []byte("records: [\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestMarshal_RoundTrip(t *testing.T) {
	c := Default()
	c.DeviceID = "dev-1"
	data, err := c.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}
