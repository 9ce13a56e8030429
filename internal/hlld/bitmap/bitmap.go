// Package bitmap provides the fixed-length byte buffers that back the
// HyperLogLog register arrays. A bitmap is addressable both as raw bytes
// and as individual bits, and comes in three backing modes:
//
//   - Anonymous: plain anonymous memory. Flush is a no-op. Used for
//     in-memory sets that are never persisted.
//
//   - Shared: a shared memory mapping of a file. Writes land in the page
//     cache and Flush asks the kernel to synchronize the mapping (msync)
//     before forcing the file to disk.
//
//   - Persistent: the file is read once into a private anonymous buffer.
//     The kernel never writes the buffer back on its own; Flush walks the
//     buffer in 4096-byte pages and writes each one back with positional
//     writes, then forces the file to disk. This mode trades write
//     amplification on flush for full control over when file contents
//     change, which matters when a half-synced mapping after a crash
//     would corrupt the registers.
//
// Bit i of the bitmap is bit 7-(i%8) of byte i/8, so bit 0 is the most
// significant bit of the first byte.
package bitmap

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Mode selects the backing strategy for a bitmap.
type Mode int

const (
	// Anonymous bitmaps live in process memory only.
	Anonymous Mode = iota

	// Shared bitmaps are a shared mmap of their backing file.
	Shared

	// Persistent bitmaps buffer their file privately and write every
	// page back manually on flush.
	Persistent
)

// pageSize is the granularity of the manual write-back used by the
// Persistent mode.
const pageSize = 4096

var (
	// ErrInvalidLength is returned when a zero-length bitmap is requested.
	ErrInvalidLength = errors.New("bitmap: invalid length")

	// ErrBadFileHandle is returned when a file-backed mode is requested
	// without a usable file handle.
	ErrBadFileHandle = errors.New("bitmap: bad file handle")

	// ErrLengthMismatch is returned when an existing file's size does not
	// match the requested bitmap length.
	ErrLengthMismatch = errors.New("bitmap: file size does not match requested length")
)

// Bitmap is a fixed-length buffer of bytes in one of the three backing
// modes. The zero value is not usable; construct one with FromFile or
// FromFilename.
type Bitmap struct {
	mode Mode
	size uint64
	file *os.File // nil in Anonymous mode
	mm   mmap.MMap
}

// FromFile builds a bitmap over an already-opened file handle. The bitmap
// takes ownership of the handle: Close closes it. For Anonymous mode the
// handle must be nil. The fresh flag indicates the file was just created
// (truncated to length) so the Persistent mode can skip the initial read.
func FromFile(f *os.File, length uint64, mode Mode, fresh bool) (*Bitmap, error) {
	if length == 0 {
		return nil, ErrInvalidLength
	}

	b := &Bitmap{mode: mode, size: length, file: f}

	var err error
	switch mode {
	case Anonymous:
		// A pure memory buffer. We still go through mmap so that large
		// register arrays come from their own mapping rather than the
		// Go heap.
		b.mm, err = mmap.MapRegion(nil, int(length), mmap.RDWR, mmap.ANON, 0)

	case Shared:
		if f == nil {
			return nil, ErrBadFileHandle
		}
		b.mm, err = mmap.MapRegion(f, int(length), mmap.RDWR, 0, 0)

	case Persistent:
		if f == nil {
			return nil, ErrBadFileHandle
		}
		b.mm, err = mmap.MapRegion(nil, int(length), mmap.RDWR, mmap.ANON, 0)
		if err == nil && !fresh {
			// Existing file: the kernel cannot fault the contents in for
			// a private anonymous buffer, so read them in ourselves.
			if ferr := fillBuffer(f, b.mm, length); ferr != nil {
				_ = b.mm.Unmap()
				return nil, ferr
			}
		}

	default:
		return nil, fmt.Errorf("bitmap: unknown mode %d", mode)
	}

	if err != nil {
		return nil, fmt.Errorf("bitmap: mmap failed: %w", err)
	}
	return b, nil
}

// fillBuffer populates buf with the contents of f, reading from offset 0.
// A short file leaves the tail of the buffer zeroed, matching the behavior
// of faulting in a sparse mapping.
func fillBuffer(f *os.File, buf []byte, length uint64) error {
	r := io.NewSectionReader(f, 0, int64(length))
	if _, err := io.ReadFull(r, buf); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("bitmap: failed to fill buffer: %w", err)
	}
	return nil
}

// FromFilename opens (or creates) the file at path and builds a bitmap over
// it. When create is set and the file is empty it is truncated to length;
// a pre-existing file whose size differs from length is rejected. If the
// file was newly created and the mapping fails, the file is unlinked so a
// failed create leaves nothing behind.
func FromFilename(path string, length uint64, create bool, mode Mode) (*Bitmap, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}

	fresh := false
	if create {
		stat, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("bitmap: stat %s: %w", path, err)
		}

		switch {
		case stat.Size() == 0:
			// Only ever truncate a brand new file, never resize an
			// existing one.
			fresh = true
			if err := f.Truncate(int64(length)); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, fmt.Errorf("bitmap: truncate %s: %w", path, err)
			}
		case uint64(stat.Size()) != length:
			_ = f.Close()
			return nil, ErrLengthMismatch
		}
	}

	b, err := FromFile(f, length, mode, fresh)
	if err != nil {
		_ = f.Close()
		if fresh {
			_ = os.Remove(path)
		}
		return nil, err
	}
	return b, nil
}

// Size returns the length of the bitmap in bytes.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// Data exposes the raw byte buffer. Callers must not retain the slice
// past Close.
func (b *Bitmap) Data() []byte {
	return b.mm
}

// GetBit returns bit idx.
func (b *Bitmap) GetBit(idx uint64) bool {
	return b.mm[idx>>3]&(1<<(7-(idx&0x7))) != 0
}

// SetBit sets bit idx.
func (b *Bitmap) SetBit(idx uint64) {
	b.mm[idx>>3] |= 1 << (7 - (idx & 0x7))
}

// Flush synchronizes the bitmap with its backing file. It is a no-op for
// Anonymous bitmaps and idempotent in every mode.
func (b *Bitmap) Flush() error {
	if b == nil || b.mm == nil {
		return ErrInvalidLength
	}

	switch b.mode {
	case Anonymous:
		return nil

	case Shared:
		// The kernel owns the pages; msync pushes them at the file.
		if err := b.mm.Flush(); err != nil {
			return fmt.Errorf("bitmap: msync failed: %w", err)
		}

	case Persistent:
		if err := b.flushPages(); err != nil {
			return err
		}
	}

	if err := b.file.Sync(); err != nil {
		return fmt.Errorf("bitmap: fsync failed: %w", err)
	}
	return nil
}

// flushPages writes every page of a Persistent bitmap back to the file
// with positional writes. The last page may be shorter than pageSize.
func (b *Bitmap) flushPages() error {
	for off := uint64(0); off < b.size; off += pageSize {
		end := off + pageSize
		if end > b.size {
			end = b.size
		}
		if _, err := b.file.WriteAt(b.mm[off:end], int64(off)); err != nil {
			return fmt.Errorf("bitmap: page write at %d failed: %w", off, err)
		}
	}
	return nil
}

// Close flushes the bitmap, releases the mapping, and closes the backing
// file. The bitmap must not be used afterwards.
func (b *Bitmap) Close() error {
	if b == nil || b.mm == nil {
		return ErrInvalidLength
	}

	if err := b.Flush(); err != nil {
		return err
	}

	if err := b.mm.Unmap(); err != nil {
		return fmt.Errorf("bitmap: munmap failed: %w", err)
	}
	b.mm = nil

	if b.mode != Anonymous {
		if err := b.file.Close(); err != nil {
			return fmt.Errorf("bitmap: close failed: %w", err)
		}
	}
	b.file = nil
	return nil
}
