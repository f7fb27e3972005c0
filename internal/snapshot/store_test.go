package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/docindex/internal/config"
)

func TestNewDisabled(t *testing.T) {
	store, err := New(config.SnapshotConfig{Type: "none"})
	require.NoError(t, err)
	require.Nil(t, store)

	_, err = New(config.SnapshotConfig{Type: "ftp"})
	require.Error(t, err)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(config.SnapshotConfig{Type: "local", Data: map[string]interface{}{"dir": dir}})
	require.NoError(t, err)

	key := Key("demo-lib", "1.0.0", 7)
	require.Equal(t, "demo-lib/1.0.0/7.json", key)
	require.NoError(t, SaveJSON(context.Background(), store, key, map[string]int{"pages": 3}))

	rc, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, 3, got["pages"])
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := New(config.SnapshotConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	for _, key := range []string{"", "../x.json", "/etc/passwd", "a/../../x"} {
		err := SaveJSON(context.Background(), store, key, 1)
		require.Error(t, err, key)
	}
}

type memObjects struct {
	objects map[string][]byte
}

func (m *memObjects) Upload(ctx context.Context, fileid string, r io.ReadSeeker, sz int64, cks ...string) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(raw)) != sz {
		return "", fmt.Errorf("size mismatch: %d != %d", len(raw), sz)
	}
	m.objects[fileid] = raw
	return fileid, nil
}

func (m *memObjects) Download(ctx context.Context, fileid string) (io.ReadCloser, error) {
	raw, ok := m.objects[fileid]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func TestS3StoreArchivesUnderPrefix(t *testing.T) {
	objects := &memObjects{objects: map[string][]byte{}}
	store := newS3Store(objects, "")
	ctx := context.Background()

	key := Key("demo-lib", "1.0.0", 9)
	require.NoError(t, SaveJSON(ctx, store, key, map[string]string{"library": "demo-lib"}))
	require.Contains(t, objects.objects, "snapshots/demo-lib/1.0.0/9.json")

	rc, err := store.Open(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	var got map[string]string
	require.NoError(t, json.NewDecoder(rc).Decode(&got))
	require.Equal(t, "demo-lib", got["library"])

	_, err = store.Open(ctx, Key("demo-lib", "2.0.0", 1))
	require.Error(t, err)
	require.Error(t, SaveJSON(ctx, store, "../escape.json", 1))

	custom := newS3Store(objects, "/archive/docs/")
	require.NoError(t, SaveJSON(ctx, custom, key, 1))
	require.Contains(t, objects.objects, "archive/docs/demo-lib/1.0.0/9.json")
}

func TestS3StoreRequiresCredentials(t *testing.T) {
	_, err := New(config.SnapshotConfig{Type: "s3", Data: map[string]interface{}{"endpoint": "s3.local", "bucket": "docs"}})
	require.EqualError(t, err, "s3 snapshot store missing secret_id, secret_key")
}
