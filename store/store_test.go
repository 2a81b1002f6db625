package store

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daly-bms-bridge/common"
	"daly-bms-bridge/metrics"
)

func testSnapshot(at time.Time) common.TelemetrySnapshot {
	snap := common.NewSnapshot(at)
	snap.DeviceName = "DL-41181201189F"
	snap.Address = "41:18:12:01:18:9F"
	snap.Dialect = "legacy"
	snap.PackVoltage = 53.08
	snap.SOC = 90.4
	snap.TotalCapacity = 230
	snap.RemainingCapacity = 207.92
	snap.Cycles = 12
	snap.CellVoltages = []common.CellVoltage{{CellNumber: 1, Voltage: 3.318}, {CellNumber: 2, Voltage: 3.317}}
	snap.Temperatures = []common.Temperature{{Sensor: "T1", Temperature: 30}}
	snap.MosStatus = common.MosStatus{ChargingMos: true, DischargingMos: true}
	snap.Valid = true
	snap.Diagnostics = []common.CommandDiagnostics{{
		Command:          "main_info",
		CommandSent:      "D2030000003ED7B9",
		ResponseReceived: true,
		ResponseData:     "d203",
		Frames:           1,
		Checksum:         "B9D7",
		ChecksumOK:       true,
	}}
	return snap
}

func newTestStore(fs afero.Fs) *Store {
	return New(fs, Config{DataFile: "/var/lib/bms/latest.json", StatusFile: "/var/lib/bms/status.json"}, metrics.DefaultThresholds())
}

func TestReadMissing(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())

	_, err := s.ReadDocument()
	assert.ErrorIs(t, err, ErrNoData)
	_, err = s.ReadStatus()
	assert.ErrorIs(t, err, ErrNoData)
	_, err = s.DataModTime()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPublishSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.PublishSnapshot(testSnapshot(now.Add(-time.Second))))

	doc, err := s.ReadDocument()
	require.NoError(t, err)
	assert.True(t, doc.DataFound)
	assert.Equal(t, "DL-41181201189F", doc.Device)
	assert.Equal(t, "41:18:12:01:18:9F", doc.MacAddress)
	require.NotNil(t, doc.DalyProtocol)
	assert.Equal(t, "success", doc.DalyProtocol.Status)
	assert.Equal(t, "main_info", doc.DalyProtocol.Primary)

	entry, ok := doc.DalyProtocol.Commands["main_info"]
	require.True(t, ok)
	assert.Equal(t, "D2030000003ED7B9", entry.CommandSent)
	assert.True(t, entry.ResponseReceived)

	parsed := doc.Parsed()
	require.NotNil(t, parsed)
	assert.Equal(t, 53.08, parsed.PackVoltage)
	assert.Equal(t, 90.4, parsed.SOC)
	assert.Equal(t, "B9D7", parsed.Checksum)
	assert.Len(t, parsed.CellVoltages, 2)

	require.NotNil(t, doc.Metrics)
	assert.Equal(t, 2, doc.Metrics.Cells.Count)
	assert.Equal(t, "fresh", doc.Metrics.Freshness.Freshness)

	// no temp files are left next to the target
	entries, err := afero.ReadDir(fs, "/var/lib/bms")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "latest.json", entries[0].Name())
}

func TestRawKeepsLayout(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	require.NoError(t, s.PublishSnapshot(testSnapshot(time.Now())))

	raw, err := s.ReadRaw()
	require.NoError(t, err)
	proto, ok := raw["daly_protocol"].(map[string]interface{})
	require.True(t, ok)
	commands := proto["commands"].(map[string]interface{})
	mainInfo := commands["main_info"].(map[string]interface{})
	for _, key := range []string{"command_sent", "response_received", "response_data", "parsed_data"} {
		assert.Contains(t, mainInfo, key)
	}
	assert.Equal(t, true, raw["data_found"])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	in := testSnapshot(time.Now())
	require.NoError(t, s.PublishSnapshot(in))

	doc, err := s.ReadDocument()
	require.NoError(t, err)
	out, ok := doc.Snapshot()
	require.True(t, ok)
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.Equal(t, in.PackVoltage, out.PackVoltage)
	assert.Equal(t, in.CellVoltages, out.CellVoltages)
	assert.Equal(t, in.Diagnostics, out.Diagnostics)
	assert.True(t, out.Valid)
}

func TestPublishErrorReplacesData(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	require.NoError(t, s.PublishSnapshot(testSnapshot(time.Now())))

	last := int64(1_700_000_000_000)
	rec := common.ErrorRecord{
		Timestamp:          time.Now().UnixMilli(),
		DeviceName:         "DL-41181201189F",
		Kind:               "no_device",
		Error:              "no device found",
		ServiceStatus:      common.StatusError,
		LastSuccessfulRead: &last,
		RetryCount:         3,
	}
	require.NoError(t, s.PublishError(rec))

	doc, err := s.ReadDocument()
	require.NoError(t, err)
	assert.False(t, doc.DataFound)
	assert.Equal(t, "no device found", doc.Error)
	assert.Equal(t, "no_device", doc.ErrorKind)
	assert.Equal(t, 3, doc.RetryCount)
	require.NotNil(t, doc.LastSuccessfulRead)
	assert.Equal(t, last, *doc.LastSuccessfulRead)
	assert.Nil(t, doc.Parsed())
	_, ok := doc.Snapshot()
	assert.False(t, ok)
}

func TestIncompleteSnapshot(t *testing.T) {
	snap := testSnapshot(time.Now())
	snap.Valid = false
	snap.Diagnostics[0].ResponseReceived = false

	doc := NewDocument(snap, metrics.Compute(snap, time.Now(), metrics.DefaultThresholds()))
	assert.False(t, doc.DataFound)
	assert.NotEmpty(t, doc.Error)
	assert.Equal(t, "no_response", doc.DalyProtocol.Status)
}

func TestPublishStatus(t *testing.T) {
	s := newTestStore(afero.NewMemMapFs())
	soc := 90.4
	require.NoError(t, s.PublishStatus(common.ServiceStatus{Service: "daly-bms-bridge", Status: common.StatusReading, SOC: &soc}))

	st, err := s.ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, common.StatusReading, st.Status)
	require.NotNil(t, st.SOC)
	assert.Equal(t, 90.4, *st.SOC)
}

func TestWriteFailure(t *testing.T) {
	s := newTestStore(afero.NewReadOnlyFs(afero.NewMemMapFs()))
	assert.Error(t, s.PublishSnapshot(testSnapshot(time.Now())))
	assert.Error(t, s.PublishStatus(common.ServiceStatus{Status: common.StatusStarting}))
}

func TestCorruptFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(fs)
	require.NoError(t, afero.WriteFile(fs, s.Config().DataFile, []byte("{not json"), 0o644))

	_, err := s.ReadDocument()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoData)
}
