// Package blobstore is the content-addressed blob store (spec component
// C1): compressed, atomically-written local storage with tar-framed bulk
// transfer. Layout and concurrency discipline are adapted from the pack's
// CAS implementations (notably the per-hash write lock pattern), with
// BLAKE3 for content addressing and zstd for transparent compression.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"kiln/internal/kilnerr"
)

// Store is a blob store rooted at a local directory.
type Store struct {
	root string

	// hashLocks de-duplicates concurrent writers of the same key: one
	// entry per hash currently being written, refcounted so the map
	// doesn't grow unbounded over the store's lifetime.
	hashLocks sync.Map // map[Key]*hashLock

	encoderPool sync.Pool
	decoderPool sync.Pool
}

type hashLock struct {
	mu   sync.Mutex
	refs int32
}

// Open creates (if needed) and returns a Store rooted at root.
func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("blobstore: root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, ".tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir tmp: %w", err)
	}
	s := &Store{root: root}
	s.encoderPool.New = func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err) // construction with a nil writer never fails in practice
		}
		return enc
	}
	s.decoderPool.New = func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		return dec
	}
	return s, nil
}

func (s *Store) path(key Key) string {
	a, b := key.Fanout()
	return filepath.Join(s.root, a, b, key.String())
}

func (s *Store) lockKey(key Key) func() {
	v, _ := s.hashLocks.LoadOrStore(key, &hashLock{})
	l := v.(*hashLock)
	atomic.AddInt32(&l.refs, 1)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		if atomic.AddInt32(&l.refs, -1) == 0 {
			s.hashLocks.CompareAndDelete(key, l)
		}
	}
}

// Write streams r, hashing and zstd-compressing it into a temp file, then
// verifies the computed hash equals key before an atomic rename into place.
// It reports writtenNew=false (not an error) when the blob already existed
// or when a concurrent writer won the race for the same key.
func (s *Store) Write(key Key, r io.Reader) (writtenNew bool, err error) {
	dest := s.path(key)
	tmpPath := filepath.Join(s.root, ".tmp", key.String()+".tmp."+uuid.NewString())

	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", err)
	}
	removeTmp := func() { _ = os.Remove(tmpPath) }

	enc := s.encoderPool.Get().(*zstd.Encoder)
	enc.Reset(tmp)
	defer s.encoderPool.Put(enc)

	hasher := blake3.New(KeySize, nil)
	if _, err := io.Copy(enc, io.TeeReader(r, hasher)); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", fmt.Errorf("stream: %w", err))
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", fmt.Errorf("flush compressor: %w", err))
	}
	if err := tmp.Close(); err != nil {
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", fmt.Errorf("close temp file: %w", err))
	}

	var got Key
	copy(got[:], hasher.Sum(nil))
	if got != key {
		removeTmp()
		return false, kilnerr.New(kilnerr.HashMismatch, "blobstore.Write",
			fmt.Errorf("content hashes to %s, not asserted key %s", got, key))
	}

	unlock := s.lockKey(key)
	defer unlock()

	if _, statErr := os.Stat(dest); statErr == nil {
		removeTmp()
		return false, nil
	} else if !os.IsNotExist(statErr) {
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", statErr)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		if os.IsExist(err) {
			removeTmp()
			return false, nil
		}
		removeTmp()
		return false, kilnerr.New(kilnerr.Internal, "blobstore.Write", err)
	}
	return true, nil
}

// WriteBytes is a convenience wrapper around Write for in-memory content.
func (s *Store) WriteBytes(key Key, content []byte) (writtenNew bool, err error) {
	return s.Write(key, newByteReader(content))
}

// Exists reports whether a blob is stored under key. Safe to use to decide
// whether to upload, because writes are idempotent and collision-free under
// the cryptographic hash assumption on BLAKE3.
func (s *Store) Exists(key Key) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Read opens a blob for streaming, decompressing transparently. The caller
// must Close the returned ReadCloser.
func (s *Store) Read(key Key) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kilnerr.New(kilnerr.NotFound, "blobstore.Read", err)
		}
		return nil, kilnerr.New(kilnerr.Internal, "blobstore.Read", err)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, kilnerr.New(kilnerr.Internal, "blobstore.Read", err)
	}
	return &decodingReadCloser{dec: dec, file: f}, nil
}

// ReadAll returns the full decompressed content of a blob.
func (s *Store) ReadAll(key Key) ([]byte, error) {
	rc, err := s.Read(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "blobstore.ReadAll", err)
	}
	return b, nil
}

// ReadCompressed opens the raw zstd-compressed bytes as stored on disk,
// without decoding — used by the bulk-read "x-tar+zstd" variant so entries
// can be streamed without a decompress/recompress round trip.
func (s *Store) ReadCompressed(key Key) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kilnerr.New(kilnerr.NotFound, "blobstore.ReadCompressed", err)
		}
		return nil, kilnerr.New(kilnerr.Internal, "blobstore.ReadCompressed", err)
	}
	return f, nil
}

type decodingReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (d *decodingReadCloser) Read(p []byte) (int, error) { return d.dec.Read(p) }

func (d *decodingReadCloser) Close() error {
	d.dec.Close()
	return d.file.Close()
}

type byteReader struct {
	b []byte
	i int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}
