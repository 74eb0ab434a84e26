package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/camp-discovery-daemon/internal/hash/sha256"
	"github.com/JakeFAU/camp-discovery-daemon/internal/storage"
	"github.com/JakeFAU/camp-discovery-daemon/internal/storage/memory"
)

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("no digest") }

func TestSnapshotterPath(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	snap := storage.NewSnapshotter(blobs, sha256.New(), "campd")

	uri, err := snap.Save(context.Background(), "https://www.LakeCamp.org/summer", []byte("abc"))
	require.NoError(t, err)
	const want = "campd/snapshots/lakecamp.org/ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad.html"
	require.Equal(t, "memory://"+want, uri)
	data, ok := blobs.Object(want)
	require.True(t, ok)
	require.Equal(t, "abc", string(data))
}

func TestSnapshotterUnknownDomain(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	_, err := storage.NewSnapshotter(blobs, sha256.New(), "").Save(context.Background(), "", []byte("x"))
	require.NoError(t, err)
	require.Len(t, blobs.Paths(), 1)
	require.Contains(t, blobs.Paths()[0], "snapshots/unknown/")
}

func TestSnapshotterHashError(t *testing.T) {
	t.Parallel()

	_, err := storage.NewSnapshotter(memory.NewBlobStore(), failingHasher{}, "").
		Save(context.Background(), "https://lakecamp.org", nil)
	require.ErrorContains(t, err, "hash snapshot")
}
