package writer

import (
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one uploaded journal file.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	Timestamp   time.Time         `json:"-"`
}

type manifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

type tableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []snapshot `json:"snapshots"`
}

// metadataObject is a JSON document to store next to the data files.
type metadataObject struct {
	Key  string
	Body []byte
}

// manifest keeps Iceberg style table metadata for the journal so query
// engines can discover the trade files. Each added file becomes a snapshot.
type manifest struct {
	mu        sync.Mutex
	location  string
	prefix    string
	tableUUID string
	snapshots []snapshot
}

func newManifest(bucket, prefix string) *manifest {
	return &manifest{
		location:  fmt.Sprintf("s3://%s/%s", bucket, prefix),
		prefix:    prefix,
		tableUUID: uuid.NewString(),
	}
}

// addFile registers df and returns the manifest and table metadata objects
// to upload. The snapshot is only kept once commit is called.
func (m *manifest) addFile(df DataFile) ([]metadataObject, func(), error) {
	snapID := df.Timestamp.UnixNano()
	manifestKey := path.Join(m.prefix, "metadata", fmt.Sprintf("manifest-%d.json", snapID))

	entries, err := json.Marshal([]manifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return nil, nil, err
	}

	snap := snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    path.Base(manifestKey),
	}

	m.mu.Lock()
	snapshots := append(append([]snapshot(nil), m.snapshots...), snap)
	m.mu.Unlock()

	table, err := json.MarshalIndent(tableMetadata{
		FormatVersion:     2,
		TableUUID:         m.tableUUID,
		Location:          m.location,
		CurrentSnapshotID: snapID,
		Snapshots:         snapshots,
	}, "", "  ")
	if err != nil {
		return nil, nil, err
	}

	commit := func() {
		m.mu.Lock()
		m.snapshots = append(m.snapshots, snap)
		m.mu.Unlock()
	}
	return []metadataObject{
		{Key: manifestKey, Body: entries},
		{Key: path.Join(m.prefix, "metadata", "metadata.json"), Body: table},
	}, commit, nil
}

func (m *manifest) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
