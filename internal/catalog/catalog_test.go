package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencnpj/etl-engine/internal/transfer"
)

// fakeAgent serves FetchFile from an in-memory map; the other Agent
// methods are unused by the catalog and stubbed out only to satisfy
// the interface.
type fakeAgent struct {
	files map[string][]byte
}

func (f *fakeAgent) CopyDir(context.Context, string, string, transfer.Progress) (bool, error) {
	return true, nil
}
func (f *fakeAgent) CopyFile(context.Context, string, string) (bool, error) { return true, nil }
func (f *fakeAgent) Exists(context.Context, string) (bool, error)           { return false, nil }
func (f *fakeAgent) FetchFile(_ context.Context, remote, local string) (bool, error) {
	b, ok := f.files[remote]
	if !ok {
		return false, nil
	}
	return os.WriteFile(local, b, 0o644) == nil, nil
}

var _ transfer.Agent = (*fakeAgent)(nil)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenCreatesSchema(t *testing.T) {
	c := openTestCatalog(t)
	n, err := c.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpenTwiceInSameDirFails(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := Open(ctx, dir, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(ctx, dir, nil)
	require.Error(t, err)
}

func TestAddBatchAndDiff(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	entries := []Entry{
		{Identifier: "A", Hash: "h1"},
		{Identifier: "B", Hash: "h2"},
	}
	require.NoError(t, c.AddBatch(ctx, entries))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	candidates := []Entry{
		{Identifier: "A", Hash: "h1"},       // unchanged
		{Identifier: "B", Hash: "h2-changed"}, // changed
		{Identifier: "C", Hash: "h3"},        // new
	}
	toPublish, unchanged, err := c.Diff(ctx, candidates)
	require.NoError(t, err)

	require.Len(t, unchanged, 1)
	assert.Equal(t, "A", unchanged[0].Identifier)

	require.Len(t, toPublish, 2)
	ids := []string{toPublish[0].Identifier, toPublish[1].Identifier}
	assert.Contains(t, ids, "B")
	assert.Contains(t, ids, "C")
}

func TestDiffChunksAcrossProbeBoundary(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	entries := make([]Entry, 0, 1200)
	for i := 0; i < 1200; i++ {
		entries = append(entries, Entry{Identifier: idFor(i), Hash: "same"})
	}
	require.NoError(t, c.AddBatch(ctx, entries))

	toPublish, unchanged, err := c.Diff(ctx, entries)
	require.NoError(t, err)
	assert.Empty(t, toPublish)
	assert.Len(t, unchanged, 1200)
}

func TestAddBatchCommitsAcrossBatchBoundary(t *testing.T) {
	c := openTestCatalog(t)
	ctx := context.Background()

	entries := make([]Entry, 0, 10005)
	for i := 0; i < 10005; i++ {
		entries = append(entries, Entry{Identifier: idFor(i), Hash: "h"})
	}
	require.NoError(t, c.AddBatch(ctx, entries))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10005, n)
}

func TestZipAndUnzipRoundTrip(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	c, err := Open(ctx, srcDir, nil)
	require.NoError(t, err)
	require.NoError(t, c.AddBatch(ctx, []Entry{{Identifier: "A", Hash: "h1"}}))
	require.NoError(t, c.Close())

	zipPath, err := (&Catalog{path: filepath.Join(srcDir, DBFileName)}).Zip(srcDir)
	require.NoError(t, err)

	destDir := t.TempDir()
	require.NoError(t, Unzip(zipPath, destDir))

	reopened, err := Open(ctx, destDir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenFetchesCatalogFromAgentWhenLocalMissing(t *testing.T) {
	ctx := context.Background()

	seedDir := t.TempDir()
	seed, err := Open(ctx, seedDir, nil)
	require.NoError(t, err)
	require.NoError(t, seed.AddBatch(ctx, []Entry{{Identifier: "A", Hash: "h1"}, {Identifier: "B", Hash: "h2"}}))
	require.NoError(t, seed.Close())
	zipPath, err := seed.Zip(seedDir)
	require.NoError(t, err)
	zipBytes, err := os.ReadFile(zipPath)
	require.NoError(t, err)

	agent := &fakeAgent{files: map[string][]byte{ZipFileName: zipBytes}}

	freshDir := t.TempDir()
	c, err := Open(ctx, freshDir, agent)
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenFallsBackToEmptyWhenAgentHasNoCatalog(t *testing.T) {
	ctx := context.Background()
	agent := &fakeAgent{files: map[string][]byte{}}

	c, err := Open(ctx, t.TempDir(), agent)
	require.NoError(t, err)
	defer c.Close()

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func idFor(i int) string {
	return fmt.Sprintf("ID%06d", i)
}
