package aggregations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedadev/nlds/pkg/message"
)

func pd(path string, size int64) *message.PathDetails {
	return &message.PathDetails{OriginalPath: path, Size: size}
}

func TestPackSingleBinUnderTarget(t *testing.T) {
	bins := Pack([]*message.PathDetails{
		pd("/a", 100), pd("/b", 200), pd("/c", 300),
	}, 1000)
	require.Len(t, bins, 1)
	assert.Equal(t, int64(600), bins[0].Size)
	assert.Len(t, bins[0].Files, 3)
}

func TestPackBalancesBins(t *testing.T) {
	var files []*message.PathDetails
	for i := 0; i < 10; i++ {
		files = append(files, pd("/data/f"+string(rune('a'+i)), 100))
	}
	bins := Pack(files, 250)
	require.Len(t, bins, 4)

	var total int64
	for _, b := range bins {
		total += b.Size
		assert.LessOrEqual(t, b.Size, int64(300), "bins should stay near the target")
	}
	assert.Equal(t, int64(1000), total)
}

func TestPackOversizeFileGetsOwnBin(t *testing.T) {
	bins := Pack([]*message.PathDetails{
		pd("/big", 5000), pd("/small1", 10), pd("/small2", 10),
	}, 1000)
	require.NotEmpty(t, bins)
	assert.Equal(t, "/big", bins[0].Files[0].OriginalPath)
	assert.Len(t, bins[0].Files, 1, "an oversize file dominates its bin")
}

func TestPackDeterministic(t *testing.T) {
	files := []*message.PathDetails{
		pd("/a", 300), pd("/b", 300), pd("/c", 200), pd("/d", 200),
	}
	first := Pack(files, 500)
	second := Pack(files, 500)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Paths(), second[i].Paths())
	}
}

func TestPackEmpty(t *testing.T) {
	assert.Nil(t, Pack(nil, 1000))
}

func TestTarname(t *testing.T) {
	name := Tarname([]string{"/data/b", "/data/a"})
	assert.True(t, strings.HasSuffix(name, ".tar"))
	assert.Len(t, strings.TrimSuffix(name, ".tar"), 16)

	assert.Equal(t, name, Tarname([]string{"/data/a", "/data/b"}),
		"tarname must not depend on list order")
	assert.NotEqual(t, name, Tarname([]string{"/data/a"}))
}

func TestTarnameAttempt(t *testing.T) {
	name := Tarname([]string{"/data/a"})
	assert.Equal(t, name, TarnameAttempt(name, 0))
	withAttempt := TarnameAttempt(name, 2)
	assert.True(t, strings.HasSuffix(withAttempt, "-2.tar"))
	assert.True(t, strings.HasPrefix(withAttempt, strings.TrimSuffix(name, ".tar")))
}

func TestHoldingPrefix(t *testing.T) {
	assert.Equal(t, "nlds.12.fred.gws", HoldingPrefix(12, "fred", "gws"))
}
