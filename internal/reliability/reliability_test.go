package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/aristath/factorrisk/internal/testing"
)

type memoryStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Upload(_ context.Context, key string, body io.Reader, _ int64) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]types.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Object
	for key, b := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, types.Object{Key: aws.String(key), Size: aws.Int64(int64(len(b)))})
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func readArchive(t *testing.T, b []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = content
	}
	return files
}

func TestBackupService_CreateAndUploadBackup(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	_, err := db.Conn().Exec(`INSERT INTO market_returns (date, market_return) VALUES ('2024-01-31', 0.01)`)
	require.NoError(t, err)

	store := newMemoryStore()
	svc := NewBackupService(db, store, t.TempDir(), zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC) }

	key, err := svc.CreateAndUploadBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "factorrisk-backup-2024-02-01-030000.tar.gz", key)
	require.Equal(t, []string{key}, store.keys())

	files := readArchive(t, store.objects[key])
	require.Contains(t, files, "riskmodel.db")
	require.Contains(t, files, metadataFilename)

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(files[metadataFilename], &meta))
	assert.Equal(t, "riskmodel", meta.Database.Name)
	assert.Equal(t, int64(len(files["riskmodel.db"])), meta.Database.SizeBytes)
	assert.True(t, strings.HasPrefix(meta.Database.Checksum, "sha256:"))
	assert.True(t, meta.Timestamp.Equal(svc.now()))
}

func TestBackupService_UploadFailure(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	store := newMemoryStore()
	store.uploadErr = errors.New("bucket unavailable")
	svc := NewBackupService(db, store, t.TempDir(), zerolog.Nop())

	_, err := svc.CreateAndUploadBackup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestBackupService_ListAndRotate(t *testing.T) {
	store := newMemoryStore()
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	for _, daysAgo := range []int{1, 10, 40, 50, 60} {
		key := backupPrefix + now.AddDate(0, 0, -daysAgo).Format(backupTimeLayout) + backupSuffix
		store.objects[key] = []byte("x")
	}
	store.objects["unrelated.txt"] = []byte("x")
	store.objects[backupPrefix+"garbage"+backupSuffix] = []byte("x")

	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	svc.now = func() time.Time { return now }

	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 5)
	assert.Equal(t, int64(24), backups[0].AgeHours)
	for i := 1; i < len(backups); i++ {
		assert.True(t, backups[i-1].Timestamp.After(backups[i].Timestamp), "newest first")
	}

	deleted, err := svc.RotateOldBackups(context.Background(), 30)
	require.NoError(t, err)
	// The 40 day old archive is among the newest three and survives.
	assert.Equal(t, 2, deleted)

	remaining, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestBackupService_RotateKeepsEverythingWithZeroRetention(t *testing.T) {
	store := newMemoryStore()
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	for daysAgo := 100; daysAgo < 105; daysAgo++ {
		store.objects[backupPrefix+now.AddDate(0, 0, -daysAgo).Format(backupTimeLayout)+backupSuffix] = []byte("x")
	}

	svc := NewBackupService(nil, store, t.TempDir(), zerolog.Nop())
	svc.now = func() time.Time { return now }

	deleted, err := svc.RotateOldBackups(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, store.keys(), 5)
}

func TestBackupJob_Run(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	store := newMemoryStore()
	job := NewBackupJob(NewBackupService(db, store, t.TempDir(), zerolog.Nop()), 30, time.Minute, zerolog.Nop())

	assert.Equal(t, "backup", job.Name())
	require.NoError(t, job.Run())
	assert.Len(t, store.keys(), 1)
}

func TestDailyMaintenanceJob_Run(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	job := NewDailyMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	job.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 100e9}, nil
	}

	assert.Equal(t, "daily_maintenance", job.Name())
	assert.NoError(t, job.Run())
}

func TestDailyMaintenanceJob_CriticalDiskSpace(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	job := NewDailyMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	job.diskUsage = func(string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 100e6}, nil
	}

	err := job.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GB free")
}

func TestWeeklyMaintenanceJob_Run(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "riskmodel")
	defer cleanup()

	job := NewWeeklyMaintenanceJob(db, zerolog.Nop())
	assert.Equal(t, "weekly_maintenance", job.Name())
	assert.NoError(t, job.Run())
}
