// Package tape abstracts the tape storage system behind the archive
// workers. The production deployment talks to an XRootD endpoint fronting
// a tape library with a disk cache; files written there migrate to tape
// and must be staged back before they can be read. The Disk
// implementation keeps the same surface over a plain directory for
// development deployments without a tape library.
package tape

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Info is the result of a Stat.
type Info struct {
	Size int64
	// Offline means the file has migrated to tape and needs staging
	// before it can be read.
	Offline bool
	IsDir   bool
}

// Client is the slice of the tape system the archive workers use. Paths
// are absolute within the tape namespace, below the base directory from
// the tape URL.
type Client interface {
	// Ping verifies the endpoint is reachable.
	Ping(ctx context.Context) error

	// Stat returns size and residency for a path.
	Stat(ctx context.Context, path string) (Info, error)

	// MkdirAll creates the directory and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// Create opens a new file for writing. The create is exclusive: an
	// existing file at the path is an error, never overwritten.
	Create(ctx context.Context, path string) (io.WriteCloser, error)

	// Open opens a staged file for reading.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Checksum returns the Adler-32 digest the storage system holds for
	// the path.
	Checksum(ctx context.Context, path string) (uint32, error)

	// Remove deletes a file.
	Remove(ctx context.Context, path string) error

	// Prepare requests staging of the paths back to the disk cache and
	// returns an id for polling.
	Prepare(ctx context.Context, paths []string) (string, error)

	// PrepareComplete reports whether every path of the prepare request
	// is staged and readable.
	PrepareComplete(ctx context.Context, prepareID string, paths []string) (bool, error)

	// Evict drops the paths from the disk cache once they have been
	// read. Paths with an outstanding staging request are left alone.
	Evict(ctx context.Context, paths []string) error
}

// ParseURL splits a tape URL of the form root://server//base_dir into
// the server endpoint and the absolute base directory.
func ParseURL(tapeURL string) (server, baseDir string, err error) {
	rest, ok := strings.CutPrefix(tapeURL, "root://")
	if !ok {
		return "", "", fmt.Errorf("tape url %q does not start with root://", tapeURL)
	}
	server, baseDir, ok = strings.Cut(rest, "/")
	if !ok || server == "" || strings.TrimLeft(baseDir, "/") == "" {
		return "", "", fmt.Errorf("tape url %q does not name a server and base directory", tapeURL)
	}
	return server, "/" + strings.TrimLeft(baseDir, "/"), nil
}
