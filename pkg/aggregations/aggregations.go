// Package aggregations groups files into tar-sized bins for archival and
// derives the deterministic tar file names.
package aggregations

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/cedadev/nlds/pkg/message"
)

// DefaultTargetSize is the target aggregate size when none is configured.
const DefaultTargetSize = 5 << 30 // 5 GiB

// Bin is one aggregate candidate: the files that will share a tar file.
type Bin struct {
	Files []*message.PathDetails
	Size  int64
}

// Paths returns the original paths of the files in the bin.
func (b *Bin) Paths() []string {
	out := make([]string, len(b.Files))
	for i, f := range b.Files {
		out[i] = f.OriginalPath
	}
	return out
}

// Pack distributes files into bins whose sizes come out near the target.
// The bin count is fixed up front from the total size; files are then
// placed largest first into whichever bin is currently smallest, which
// keeps the bins balanced. Files larger than the target get a bin of
// their own by construction. The result is deterministic for a given
// input list.
func Pack(files []*message.PathDetails, targetSize int64) []*Bin {
	if len(files) == 0 {
		return nil
	}
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	binCount := int((total + targetSize - 1) / targetSize)
	if binCount < 1 {
		binCount = 1
	}
	if binCount > len(files) {
		binCount = len(files)
	}

	sorted := make([]*message.PathDetails, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size > sorted[j].Size
		}
		return sorted[i].OriginalPath < sorted[j].OriginalPath
	})

	bins := make([]*Bin, binCount)
	for i := range bins {
		bins[i] = &Bin{}
	}
	for _, f := range sorted {
		smallest := bins[0]
		for _, b := range bins[1:] {
			if b.Size < smallest.Size {
				smallest = b
			}
		}
		smallest.Files = append(smallest.Files, f)
		smallest.Size += f.Size
	}

	// A zero-size tail can appear when a few large files dominate.
	out := bins[:0]
	for _, b := range bins {
		if len(b.Files) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// Tarname derives the deterministic tar file name for a set of paths: the
// first 16 hex characters of shake_256 over the sorted original paths,
// suffixed ".tar". Identical content lists always map to the same name,
// so a retried archive targets the same tar.
func Tarname(paths []string) string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := sha3.NewShake256()
	for _, p := range sorted {
		h.Write([]byte(p))
	}
	sum := make([]byte, 8)
	h.Read(sum)
	return hex.EncodeToString(sum) + ".tar"
}

// TarnameAttempt suffixes the tarname with an attempt counter, used when
// an open-exclusive of the base name conflicts with a leftover from an
// earlier crashed attempt.
func TarnameAttempt(tarname string, attempt int) string {
	if attempt <= 0 {
		return tarname
	}
	base := strings.TrimSuffix(tarname, ".tar")
	return fmt.Sprintf("%s-%d.tar", base, attempt)
}

// HoldingPrefix is the tape directory for a holding below the tape base
// path.
func HoldingPrefix(holdingID uint, user, group string) string {
	return fmt.Sprintf("nlds.%d.%s.%s", holdingID, user, group)
}
