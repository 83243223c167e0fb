// Package filemanager implements the FileManager external interface (§6):
// the on-disk projection of a torrent's pieces across its constituent
// files, grounded in the teacher's lib/files.Files (whole-piece
// GetLocalPiece/WritePieceToLocal), generalized to sub-piece granularity
// and to the async update_bitfield/flush contract the Coordinator awaits
// on.
package filemanager

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/metainfo"
)

var log = logger.Named("filemanager")

// Manager is the FileManager external interface: local bitfield state,
// sub-piece read/write against the underlying files, and the flush/
// update_bitfield suspension points the Coordinator awaits.
type Manager struct {
	mu        sync.Mutex
	basePath  string
	files     []metainfo.FileEntry
	pieceLen  int
	totalLen  int64
	bitfield  domain.Bitfield

	uploadedTotal int64

	onWriteComplete []func(idx, begin, length int)
	onReadComplete  []func(idx, begin int, block []byte)
}

// New builds a Manager rooted at basePath for the given file layout and
// piece length, with every piece initially absent.
func New(basePath string, files []metainfo.FileEntry, pieceLen int, pieceCount int) *Manager {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return &Manager{
		basePath: basePath,
		files:    files,
		pieceLen: pieceLen,
		totalLen: total,
		bitfield: domain.NewBitfield(pieceCount),
	}
}

// CreateFiles preallocates every file to its final length, mirroring the
// teacher's Files.CreateFiles but sequentially — startup cost, not a hot
// path worth the concurrency the teacher used.
func (m *Manager) CreateFiles() error {
	for _, f := range m.files {
		abs := m.absolutePath(f.Path)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		fd, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return err
		}
		err = fd.Truncate(f.Length)
		fd.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// LocalBitfield returns a snapshot of the pieces held locally.
func (m *Manager) LocalBitfield() domain.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.Clone()
}

// LocalHave reports whether piece idx is marked present.
func (m *Manager) LocalHave(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.Get(idx)
}

// PieceCount returns the number of pieces the local bitfield addresses.
func (m *Manager) PieceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.PieceCount()
}

// IsAllComplete reports whether every piece up to pieceCount is present.
func (m *Manager) IsAllComplete(pieceCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.AllSet(pieceCount)
}

// Write stores block at (idx, begin) across whichever files it spans, then
// fires OnSubPieceWriteComplete synchronously — PieceManager is the usual
// subscriber.
func (m *Manager) Write(idx, begin int, block []byte) error {
	offset := int64(idx)*int64(m.pieceLen) + int64(begin)
	if err := m.writeAt(offset, block); err != nil {
		return err
	}
	m.mu.Lock()
	handlers := append([]func(int, int, int){}, m.onWriteComplete...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(idx, begin, len(block))
	}
	return nil
}

// Read retrieves length bytes at (idx, begin), then fires
// OnSubPieceReadComplete — the UploadQueue's consumer delivers the block to
// the originating Peer from there.
func (m *Manager) Read(idx, begin, length int) ([]byte, error) {
	offset := int64(idx)*int64(m.pieceLen) + int64(begin)
	block, err := m.readAt(offset, length)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	handlers := append([]func(int, int, []byte){}, m.onReadComplete...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(idx, begin, block)
	}
	return block, nil
}

// SeedBitfield replaces the local bitfield wholesale, used once at startup
// to resume from a persisted state instead of re-verifying every piece.
func (m *Manager) SeedBitfield(bf domain.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bitfield = bf.Clone()
}

// UpdateBitfield marks idx present. The Coordinator awaits this before
// broadcasting HAVE so a requesting peer cannot race ahead of the on-disk
// state.
func (m *Manager) UpdateBitfield(idx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bitfield.Set(idx)
}

// Flush fsyncs every file of the torrent, once per file rather than once
// per piece; indices is not consulted. Files that cannot be opened are
// skipped and Sync errors are ignored, so Flush always returns nil.
func (m *Manager) Flush(indices []int) error {
	for _, f := range m.files {
		abs := m.absolutePath(f.Path)
		fd, err := os.OpenFile(abs, os.O_RDWR, 0o644)
		if err != nil {
			continue
		}
		fd.Sync()
		fd.Close()
	}
	return nil
}

// UpdateUpload sets the running upload total to uploadedTotal, the
// monotonic counter Accounting owns — matching update_upload(uploaded_total)
// rather than accepting a delta, so a restart's persisted starting offset
// (which Accounting is seeded with but FileManager is not) can't drift the
// two counters apart.
func (m *Manager) UpdateUpload(uploadedTotal int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadedTotal = uploadedTotal
}

// UploadedTotal reports the running upload total in bytes.
func (m *Manager) UploadedTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadedTotal
}

// OnSubPieceWriteComplete registers a handler fired after every Write.
func (m *Manager) OnSubPieceWriteComplete(fn func(idx, begin, length int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWriteComplete = append(m.onWriteComplete, fn)
}

// OnSubPieceReadComplete registers a handler fired after every Read.
func (m *Manager) OnSubPieceReadComplete(fn func(idx, begin int, block []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReadComplete = append(m.onReadComplete, fn)
}

func (m *Manager) writeAt(offset int64, block []byte) error {
	remaining := block
	for _, f := range m.files {
		if int64(f.Length) <= offset {
			offset -= f.Length
			continue
		}
		abs := m.absolutePath(f.Path)
		fd, err := os.OpenFile(abs, os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		n := f.Length - offset
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		_, err = fd.WriteAt(remaining[:n], offset)
		fd.Close()
		if err != nil {
			return err
		}
		remaining = remaining[n:]
		offset = 0
		if len(remaining) == 0 {
			return nil
		}
	}
	if len(remaining) > 0 {
		log.Sugar().Debugw("write ran past last file", "leftover", len(remaining))
	}
	return nil
}

func (m *Manager) readAt(offset int64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for _, f := range m.files {
		if int64(f.Length) <= offset {
			offset -= f.Length
			continue
		}
		abs := m.absolutePath(f.Path)
		fd, err := os.Open(abs)
		if err != nil {
			return nil, err
		}
		want := length - len(out)
		r := io.NewSectionReader(fd, offset, int64(f.Length-offset))
		buf := make([]byte, want)
		n, err := io.ReadFull(r, buf)
		fd.Close()
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, err
		}
		out = append(out, buf[:n]...)
		offset = 0
		if len(out) >= length {
			break
		}
	}
	return out, nil
}

func (m *Manager) absolutePath(pathSegments []string) string {
	parts := append([]string{m.basePath}, pathSegments...)
	return filepath.Join(parts...)
}
