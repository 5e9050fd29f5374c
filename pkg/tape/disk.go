package tape

import (
	"context"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Disk is a Client over a plain directory, for deployments without a
// tape library. Files are always resident, so staging is a formality:
// Prepare hands out an id, PrepareComplete is immediately true and Evict
// does nothing.
type Disk struct {
	root string
}

// NewDisk returns a disk-backed client rooted at the given directory.
func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create tape root %s: %v", root, err)
	}
	return &Disk{root: root}, nil
}

// resolve maps a tape namespace path below the disk root.
func (d *Disk) resolve(path string) string {
	return filepath.Join(d.root, filepath.FromSlash(path))
}

func (d *Disk) Ping(ctx context.Context) error {
	_, err := os.Stat(d.root)
	return err
}

func (d *Disk) Stat(ctx context.Context, path string) (Info, error) {
	info, err := os.Stat(d.resolve(path))
	if err != nil {
		return Info{}, err
	}
	return Info{Size: info.Size(), IsDir: info.IsDir()}, nil
}

func (d *Disk) MkdirAll(ctx context.Context, path string) error {
	return os.MkdirAll(d.resolve(path), 0o755)
}

func (d *Disk) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return os.OpenFile(d.resolve(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

func (d *Disk) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(d.resolve(path))
}

// Checksum reads the file back and digests it, standing in for the
// checksum the tape system computes at write time.
func (d *Disk) Checksum(ctx context.Context, path string) (uint32, error) {
	f, err := os.Open(d.resolve(path))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := adler32.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func (d *Disk) Remove(ctx context.Context, path string) error {
	return os.Remove(d.resolve(path))
}

func (d *Disk) Prepare(ctx context.Context, paths []string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(d.resolve(p)); err != nil {
			return "", fmt.Errorf("cannot prepare %s: %v", p, err)
		}
	}
	return uuid.NewString(), nil
}

func (d *Disk) PrepareComplete(ctx context.Context, prepareID string, paths []string) (bool, error) {
	for _, p := range paths {
		if _, err := os.Stat(d.resolve(p)); err != nil {
			return false, fmt.Errorf("prepared file %s went away: %v", p, err)
		}
	}
	return true, nil
}

func (d *Disk) Evict(ctx context.Context, paths []string) error {
	return nil
}
