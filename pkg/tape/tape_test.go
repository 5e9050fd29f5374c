package tape

import (
	"context"
	"hash/adler32"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	server, base, err := ParseURL("root://antares.stfc.ac.uk//eos/archive")
	require.NoError(t, err)
	assert.Equal(t, "antares.stfc.ac.uk", server)
	assert.Equal(t, "/eos/archive", base)

	server, base, err = ParseURL("root://tape:1094/cache")
	require.NoError(t, err)
	assert.Equal(t, "tape:1094", server)
	assert.Equal(t, "/cache", base)

	for _, bad := range []string{"http://tape//dir", "root://justserver", "root:///nodir"} {
		_, _, err := ParseURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestDiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Ping(ctx))

	require.NoError(t, d.MkdirAll(ctx, "/archive/nlds.1.fred.gws"))
	w, err := d.Create(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	require.NoError(t, err)
	payload := []byte("tar bytes")
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// create is exclusive
	_, err = d.Create(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	assert.ErrorIs(t, err, os.ErrExist)

	info, err := d.Stat(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)
	assert.False(t, info.Offline, "disk files are always resident")

	sum, err := d.Checksum(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	require.NoError(t, err)
	assert.Equal(t, adler32.Checksum(payload), sum)

	r, err := d.Open(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, got)

	require.NoError(t, d.Remove(ctx, "/archive/nlds.1.fred.gws/agg.tar"))
	_, err = d.Stat(ctx, "/archive/nlds.1.fred.gws/agg.tar")
	assert.Error(t, err)
}

func TestDiskPrepareIsImmediate(t *testing.T) {
	ctx := context.Background()
	d, err := NewDisk(t.TempDir())
	require.NoError(t, err)

	w, err := d.Create(ctx, "/a.tar")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	id, err := d.Prepare(ctx, []string{"/a.tar"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	done, err := d.PrepareComplete(ctx, id, []string{"/a.tar"})
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, d.Evict(ctx, []string{"/a.tar"}))

	_, err = d.Prepare(ctx, []string{"/missing.tar"})
	assert.Error(t, err)
}
