package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>camp</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/lakecamp.org/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/lakecamp.org/abc.html", uri)

	got, ok := store.Object("snapshots/lakecamp.org/abc.html")
	require.True(t, ok)
	got[0] = 'X'
	again, _ := store.Object("snapshots/lakecamp.org/abc.html")
	require.Equal(t, payload, again)

	_, ok = store.Object("missing")
	require.False(t, ok)
	require.Equal(t, []string{"snapshots/lakecamp.org/abc.html"}, store.Paths())
}
