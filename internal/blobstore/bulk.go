package blobstore

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"kiln/internal/kilnerr"
)

// Format selects how bulk-read entries are framed: decompressed (callers
// get ready-to-use bytes) or still zstd-compressed (saves a decompress on
// the server only to recompress again on the wire, when the caller is just
// going to store the bytes compressed itself).
type Format int

const (
	Decompressed Format = iota
	CompressedZstd
)

// BulkWriteError pairs a raw (possibly unparsed) key with why its entry
// could not be written.
type BulkWriteError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// BulkWriteResult partitions a bulk-write archive's entries into the three
// outcomes spec.md §4.1 requires.
type BulkWriteResult struct {
	Written []Key            `json:"written"`
	Skipped []Key            `json:"skipped"`
	Errors  []BulkWriteError `json:"errors"`
}

// BulkWrite reads a GNU tar stream, writing each entry's payload under the
// key named by its (lowercase hex) filename. Per-entry hash mismatches and
// I/O errors are collected into Errors and do not abort the archive; an
// unparsable filename or a malformed tar stream does abort, surfaced as an
// InvalidRequest error.
func (s *Store) BulkWrite(r io.Reader) (BulkWriteResult, error) {
	var result BulkWriteResult
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return BulkWriteResult{}, kilnerr.New(kilnerr.InvalidRequest, "blobstore.BulkWrite", fmt.Errorf("read tar: %w", err))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		key, err := ParseKey(hdr.Name)
		if err != nil {
			return BulkWriteResult{}, kilnerr.New(kilnerr.InvalidRequest, "blobstore.BulkWrite", fmt.Errorf("entry %q: %w", hdr.Name, err))
		}

		written, werr := s.Write(key, tr)
		switch {
		case werr != nil:
			result.Errors = append(result.Errors, BulkWriteError{Key: key.String(), Error: werr.Error()})
		case written:
			result.Written = append(result.Written, key)
		default:
			result.Skipped = append(result.Skipped, key)
		}
	}
	return result, nil
}

// BulkRead streams a tar archive containing the blobs named by keys.
// Missing keys are silently omitted, matching spec.md §4.1's contract that
// forbidden/absent keys never appear in the archive rather than erroring.
// Forbidden keys are expected to already be filtered out of keys by the
// caller (the access-control layer); this function only knows about
// existence on disk.
func (s *Store) BulkRead(w io.Writer, keys []Key, format Format) error {
	tw := tar.NewWriter(w)
	for _, key := range keys {
		var (
			payload []byte
			err     error
		)
		switch format {
		case CompressedZstd:
			payload, err = s.readCompressedBytes(key)
		default:
			payload, err = s.ReadAll(key)
		}
		if err != nil {
			if kilnerr.Is(err, kilnerr.NotFound) {
				continue
			}
			return kilnerr.New(kilnerr.Internal, "blobstore.BulkRead", err)
		}

		hdr := &tar.Header{
			Name:     key.String(),
			Mode:     0o644,
			Size:     int64(len(payload)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return kilnerr.New(kilnerr.Internal, "blobstore.BulkRead", err)
		}
		if _, err := tw.Write(payload); err != nil {
			return kilnerr.New(kilnerr.Internal, "blobstore.BulkRead", err)
		}
	}
	return kilnerr.Wrap(kilnerr.Internal, "blobstore.BulkRead", tw.Close())
}

func (s *Store) readCompressedBytes(key Key) ([]byte, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kilnerr.New(kilnerr.NotFound, "blobstore.readCompressedBytes", err)
		}
		return nil, kilnerr.New(kilnerr.Internal, "blobstore.readCompressedBytes", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
