// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// cappedBuffer accepts writes forever but retains only the first
// maxBytes. Backend output can run to gigabytes; the retained prefix
// is what notifications and failure context quote.
type cappedBuffer struct {
	mu        sync.Mutex
	data      []byte
	maxBytes  int
	truncated bool
}

func newCappedBuffer(maxBytes int) *cappedBuffer {
	return &cappedBuffer{maxBytes: maxBytes}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.maxBytes - len(b.data)
	if room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.data = append(b.data, p[:room]...)
	}
	if room < len(p) {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// OutputArchive streams the full, uncapped backend output into a
// zstd-compressed file so the truncated in-memory capture is never
// the only record of a long run.
type OutputArchive struct {
	file    *os.File
	encoder *zstd.Encoder
	path    string
}

// NewOutputArchive creates <dir>/output.zst. The caller must Close
// it after the run.
func NewOutputArchive(dir string) (*OutputArchive, error) {
	path := filepath.Join(dir, "output.zst")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating output archive: %w", err)
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &OutputArchive{file: file, encoder: encoder, path: path}, nil
}

func (a *OutputArchive) Write(p []byte) (int, error) {
	return a.encoder.Write(p)
}

// Path is where the archive lives on disk.
func (a *OutputArchive) Path() string { return a.path }

// Close flushes the compressed stream and closes the file.
func (a *OutputArchive) Close() error {
	encodeErr := a.encoder.Close()
	closeErr := a.file.Close()
	if encodeErr != nil {
		return encodeErr
	}
	return closeErr
}

// teeOutput fans writes out to the capped in-memory capture and an
// optional archive.
func teeOutput(capture io.Writer, archive *OutputArchive) io.Writer {
	if archive == nil {
		return capture
	}
	return io.MultiWriter(capture, archive)
}
