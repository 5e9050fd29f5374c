package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"

	"github.com/cedadev/nlds/internal/logger"
	"github.com/cedadev/nlds/pkg/aggregations"
	"github.com/cedadev/nlds/pkg/message"
	"github.com/cedadev/nlds/pkg/tape"
)

// ObjectStore is the slice of the object store the archive workers use.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	EnsureBucket(ctx context.Context, bucket string) error
	ApplyAccessPolicy(ctx context.Context, bucket, group string) error
	Head(ctx context.Context, bucket, key string) (int64, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	Upload(ctx context.Context, bucket, key string, r io.Reader) error
}

// maxTarnameAttempts bounds the attempt suffixes tried when leftover
// tars block the exclusive create.
const maxTarnameAttempts = 5

// Streamer moves aggregates between the object store and one tape
// endpoint. Put streams objects into a tar file on tape; Get streams tar
// members back into buckets.
type Streamer struct {
	store     ObjectStore
	tape      tape.Client
	server    string
	baseDir   string
	chunkSize int
}

// NewStreamer connects a store and a tape client under the namespace the
// tape url describes.
func NewStreamer(store ObjectStore, client tape.Client, tapeURL string, chunkSize int) (*Streamer, error) {
	server, baseDir, err := tape.ParseURL(tapeURL)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = 5 << 20
	}
	return &Streamer{
		store:     store,
		tape:      client,
		server:    server,
		baseDir:   baseDir,
		chunkSize: chunkSize,
	}, nil
}

// Server is the tape endpoint recorded in tape locations.
func (s *Streamer) Server() string {
	return s.server
}

// TarPath is the absolute tape namespace path of an aggregate's tar
// file.
func (s *Streamer) TarPath(holdingPrefix, tarname string) string {
	return path.Join(s.baseDir, holdingPrefix, tarname)
}

// Put streams one aggregate into a new tar file below the holding
// prefix and verifies the write against the checksum the tape system
// computed. The returned failed list holds files whose object could not
// be opened; a failure that would corrupt the tar stream aborts the
// whole aggregate instead and removes the partial tar file.
func (s *Streamer) Put(ctx context.Context, holdingPrefix string, filelist []*message.PathDetails) (completed, failed []*message.PathDetails, tarname string, checksum uint32, err error) {
	if len(filelist) == 0 {
		return nil, nil, "", 0, fmt.Errorf("empty aggregate")
	}
	if err := s.verify(ctx, filelist); err != nil {
		return nil, nil, "", 0, err
	}

	// The tarname hashes the full aggregate filelist, so a retried
	// archive of the same aggregate targets the same tar file.
	paths := make([]string, len(filelist))
	for i, pd := range filelist {
		paths[i] = pd.OriginalPath
	}
	tarname = aggregations.Tarname(paths)
	if err := s.tape.MkdirAll(ctx, path.Join(s.baseDir, holdingPrefix)); err != nil {
		return nil, nil, "", 0, fmt.Errorf("cannot create holding directory %s: %v",
			path.Join(s.baseDir, holdingPrefix), err)
	}

	// A leftover tar from a crashed attempt blocks the exclusive create;
	// suffix the name rather than overwrite, the catalog records whichever
	// name the write lands under.
	var w io.WriteCloser
	var tarPath string
	for attempt := 0; ; attempt++ {
		name := aggregations.TarnameAttempt(tarname, attempt)
		tarPath = s.TarPath(holdingPrefix, name)
		w, err = s.tape.Create(ctx, tarPath)
		if err == nil {
			tarname = name
			break
		}
		if !errors.Is(err, fs.ErrExist) || attempt >= maxTarnameAttempts {
			return nil, nil, "", 0, fmt.Errorf("cannot create tarfile %s: %v", tarPath, err)
		}
		logger.WarnCtx(ctx, "tarfile already on tape, retrying under attempt suffix",
			logger.Tarfile(tarPath), logger.Attempt(attempt+1))
	}

	cw := newChecksumWriter(w)
	tw := tar.NewWriter(cw)
	buf := make([]byte, s.chunkSize)
	abort := func(reason error) error {
		tw.Close()
		w.Close()
		if rmErr := s.tape.Remove(ctx, tarPath); rmErr != nil {
			logger.WarnCtx(ctx, "cannot remove partial tarfile",
				logger.Tarfile(tarPath), logger.Err(rmErr))
		}
		return reason
	}

	for _, pd := range filelist {
		r, _, err := s.store.Get(ctx, pd.BucketName(), pd.ObjectName())
		if err != nil {
			// nothing written yet for this member, the tar is intact
			pd.Fail(fmt.Sprintf("cannot open object %s:%s: %v", pd.BucketName(), pd.ObjectName(), err))
			failed = append(failed, pd)
			continue
		}
		hdr := &tar.Header{
			Name:    pd.ObjectName(),
			Size:    pd.Size,
			Mode:    int64(pd.Permissions),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			r.Close()
			return nil, nil, "", 0, abort(fmt.Errorf("cannot write tar header for %s: %v", pd.OriginalPath, err))
		}
		cr := newChecksumReader(r)
		_, err = io.CopyBuffer(tw, cr, buf)
		r.Close()
		if err != nil {
			// a partial member corrupts the stream beyond recovery
			return nil, nil, "", 0, abort(fmt.Errorf("stream of %s into %s broke: %v", pd.OriginalPath, tarPath, err))
		}
		pd.Checksum = cr.Sum32()
		completed = append(completed, pd)
	}

	if err := tw.Close(); err != nil {
		return nil, nil, "", 0, abort(fmt.Errorf("cannot finish tarfile %s: %v", tarPath, err))
	}
	if err := w.Close(); err != nil {
		return nil, nil, "", 0, abort(fmt.Errorf("cannot finish tarfile %s: %v", tarPath, err))
	}
	checksum = cw.Sum32()

	tapeSum, err := s.tape.Checksum(ctx, tarPath)
	if err != nil {
		return nil, nil, "", 0, abort(fmt.Errorf("cannot read back checksum of %s: %v", tarPath, err))
	}
	if tapeSum != checksum {
		return nil, nil, "", 0, abort(fmt.Errorf(
			"checksum mismatch on %s: wrote %08x, tape holds %08x", tarPath, checksum, tapeSum))
	}

	for _, pd := range completed {
		if _, err := pd.SetTape(s.server, holdingPrefix, tarname); err != nil {
			return nil, nil, "", 0, fmt.Errorf("cannot record tape location for %s: %v", pd.OriginalPath, err)
		}
	}
	logger.InfoCtx(ctx, "aggregate written to tape",
		logger.Tarfile(tarPath), logger.Checksum(checksum), logger.Files(len(completed)))
	return completed, failed, tarname, checksum, nil
}

// verify confirms every object of the aggregate is present in its bucket
// at the indexed size before anything is written to tape.
func (s *Streamer) verify(ctx context.Context, filelist []*message.PathDetails) error {
	for _, pd := range filelist {
		bucket := pd.BucketName()
		if bucket == "" {
			return fmt.Errorf("file %s has no object storage location", pd.OriginalPath)
		}
		exists, err := s.store.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("cannot verify bucket %s: %v", bucket, err)
		}
		if !exists {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		size, err := s.store.Head(ctx, bucket, pd.ObjectName())
		if err != nil {
			return fmt.Errorf("cannot verify object %s:%s: %v", bucket, pd.ObjectName(), err)
		}
		if size != pd.Size {
			return fmt.Errorf("object %s:%s is %d bytes, catalog holds %d",
				bucket, pd.ObjectName(), size, pd.Size)
		}
	}
	return nil
}

// Get streams the wanted members of one staged tar file into the
// buckets named by each file's object storage location. Files the tar
// does not hold, and per-member upload problems, land in the failed
// list; a tar file that cannot be opened at all is an error.
func (s *Streamer) Get(ctx context.Context, tarPath, group string, filelist []*message.PathDetails) (completed, failed []*message.PathDetails, err error) {
	rc, err := s.tape.Open(ctx, tarPath)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open tarfile %s: %v", tarPath, err)
	}
	defer rc.Close()

	wanted := make(map[string]*message.PathDetails, len(filelist))
	for _, pd := range filelist {
		wanted[pd.ObjectName()] = pd
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("tarfile %s is unreadable: %v", tarPath, err)
		}
		pd, ok := wanted[hdr.Name]
		if !ok {
			continue
		}
		delete(wanted, hdr.Name)

		bucket := pd.BucketName()
		if err := s.restoreMember(ctx, bucket, group, pd, tr); err != nil {
			pd.Fail(err.Error())
			logger.WarnCtx(ctx, "failed to restore member",
				logger.Tarfile(tarPath), logger.Object(pd.ObjectName()), logger.Err(err))
			failed = append(failed, pd)
			continue
		}
		logger.DebugCtx(ctx, "restored member to object store",
			logger.Bucket(bucket), logger.Object(pd.ObjectName()))
		completed = append(completed, pd)
	}

	for _, pd := range wanted {
		pd.Fail(fmt.Sprintf("tarfile %s does not hold %s", tarPath, pd.ObjectName()))
		failed = append(failed, pd)
	}
	return completed, failed, nil
}

// restoreMember uploads one tar member into its bucket, creating the
// bucket if the ingest copy was already expired out of the store.
func (s *Streamer) restoreMember(ctx context.Context, bucket, group string, pd *message.PathDetails, r io.Reader) error {
	if bucket == "" {
		return fmt.Errorf("file %s has no object storage location", pd.OriginalPath)
	}
	if err := s.store.EnsureBucket(ctx, bucket); err != nil {
		return fmt.Errorf("cannot create bucket %s: %v", bucket, err)
	}
	if err := s.store.ApplyAccessPolicy(ctx, bucket, group); err != nil {
		return fmt.Errorf("cannot set access policy on bucket %s: %v", bucket, err)
	}
	return s.store.Upload(ctx, bucket, pd.ObjectName(), r)
}

// PrepareRequired reports whether the tar file has migrated off the disk
// cache and needs staging before it can be read.
func (s *Streamer) PrepareRequired(ctx context.Context, tarPath string) (bool, error) {
	info, err := s.tape.Stat(ctx, tarPath)
	if err != nil {
		return false, fmt.Errorf("cannot stat tarfile %s: %v", tarPath, err)
	}
	return info.Offline, nil
}

// PrepareRequest asks the tape system to stage the tar files back to its
// disk cache.
func (s *Streamer) PrepareRequest(ctx context.Context, tarPaths []string) (string, error) {
	return s.tape.Prepare(ctx, tarPaths)
}

// PrepareComplete reports whether every tar file of the request is
// staged.
func (s *Streamer) PrepareComplete(ctx context.Context, prepareID string, tarPaths []string) (bool, error) {
	return s.tape.PrepareComplete(ctx, prepareID, tarPaths)
}

// Evict drops the tar files from the disk cache after retrieval.
func (s *Streamer) Evict(ctx context.Context, tarPaths []string) error {
	return s.tape.Evict(ctx, tarPaths)
}
