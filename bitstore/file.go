package bitstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"

	"github.com/rpcpool/bfield/word128"
)

var log = logging.Logger("bfield/bitstore")

// Magic identifies a bfield member file on disk.
var Magic = [2]byte{0xBF, 0x1D}

// ErrBadMagic is returned by Open when the file does not begin with Magic.
var ErrBadMagic = errors.New("bitstore: bad magic, not a bfield member file")

const (
	magicLen      = 2
	headerLenSize = 2
	bitCountSize  = 8
)

// FileStore is a bit array backed by a memory-mapped file, following the
// on-disk layout: magic, big-endian header length, header payload,
// big-endian bit count, bit payload (mapped read-write, or read-only when
// opened read-only, as bucketteer's reader maps its own payload for
// zero-copy access).
type FileStore struct {
	f       *os.File
	mapping []byte // the whole file, mmap'd from offset 0
	payload []byte // the bit-payload slice of mapping
	header  []byte
	size    int
	readOnly bool
}

// payloadOffset returns the byte offset of the bit payload given a header
// of length headerLen.
func payloadOffset(headerLen int) int64 {
	return int64(magicLen + headerLenSize + headerLen + bitCountSize)
}

// Create lays out a new member file at path with the given bit-array size
// and opaque header payload, then maps it read-write. mode sets the file's
// permission bits.
func Create(path string, size int, header []byte, mode os.FileMode) (*FileStore, error) {
	if len(header) > 0xFFFF {
		return nil, fmt.Errorf("bitstore: header too large (%d bytes)", len(header))
	}
	fileLen := payloadOffset(len(header)) + int64(byteLen(size))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return nil, fmt.Errorf("bitstore: create %s: %w", path, err)
	}

	if err := writeHeaderPreamble(f, size, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(fileLen); err != nil {
		f.Close()
		return nil, fmt.Errorf("bitstore: truncate %s: %w", path, err)
	}

	fs, err := mapOpenFile(f, size, header, fileLen, false)
	if err != nil {
		return nil, err
	}
	log.Debugw("created file store", "path", path, "size_bits", size)
	return fs, nil
}

// Open maps an existing member file at path, validating its magic and
// recovering its header. readOnly controls whether the mapping (and the
// resulting Store) permits writes.
func Open(path string, readOnly bool) (*FileStore, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("bitstore: open %s: %w", path, err)
	}

	size, header, fileLen, err := readHeaderPreamble(f)
	if err != nil {
		f.Close()
		if errors.Is(err, ErrBadMagic) {
			log.Warnw("corrupt or non-bfield file", "path", path, "err", err)
		}
		return nil, err
	}

	fs, err := mapOpenFile(f, size, header, fileLen, readOnly)
	if err != nil {
		return nil, err
	}
	log.Debugw("opened file store", "path", path, "size_bits", size, "read_only", readOnly)
	return fs, nil
}

func writeHeaderPreamble(f *os.File, size int, header []byte) error {
	buf := make([]byte, 0, magicLen+headerLenSize+len(header)+bitCountSize)
	buf = append(buf, Magic[0], Magic[1])
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(size))
	_, err := f.WriteAt(buf, 0)
	if err != nil {
		return fmt.Errorf("bitstore: write header: %w", err)
	}
	return nil
}

func readHeaderPreamble(f *os.File) (size int, header []byte, fileLen int64, err error) {
	var magic [magicLen]byte
	if _, err = f.ReadAt(magic[:], 0); err != nil {
		return 0, nil, 0, fmt.Errorf("bitstore: read magic: %w", err)
	}
	if magic != Magic {
		return 0, nil, 0, ErrBadMagic
	}

	var hlenBuf [headerLenSize]byte
	if _, err = f.ReadAt(hlenBuf[:], magicLen); err != nil {
		return 0, nil, 0, fmt.Errorf("bitstore: read header length: %w", err)
	}
	hlen := int(binary.BigEndian.Uint16(hlenBuf[:]))

	header = make([]byte, hlen)
	if hlen > 0 {
		if _, err = f.ReadAt(header, int64(magicLen+headerLenSize)); err != nil {
			return 0, nil, 0, fmt.Errorf("bitstore: read header payload: %w", err)
		}
	}

	var countBuf [bitCountSize]byte
	if _, err = f.ReadAt(countBuf[:], int64(magicLen+headerLenSize+hlen)); err != nil {
		return 0, nil, 0, fmt.Errorf("bitstore: read bit count: %w", err)
	}
	size = int(binary.BigEndian.Uint64(countBuf[:]))

	fileLen = payloadOffset(hlen) + int64(byteLen(size))
	return size, header, fileLen, nil
}

func mapOpenFile(f *os.File, size int, header []byte, fileLen int64, readOnly bool) (*FileStore, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		prot = unix.PROT_READ
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(fileLen), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bitstore: mmap: %w", err)
	}
	_ = unix.Fadvise(int(f.Fd()), 0, fileLen, unix.FADV_RANDOM)

	off := payloadOffset(len(header))
	payload := mapping[off : off+int64(byteLen(size))]

	return &FileStore{
		f:        f,
		mapping:  mapping,
		payload:  payload,
		header:   header,
		size:     size,
		readOnly: readOnly,
	}, nil
}

// Header returns the opaque header payload recovered at Open/Create time.
func (fs *FileStore) Header() []byte { return fs.header }

func (fs *FileStore) Size() int { return fs.size }

func (fs *FileStore) GetRange(lo, hi int) word128.Word128 {
	checkRange(fs.size, lo, hi)
	return getRangeBytes(fs.payload, lo, hi)
}

func (fs *FileStore) SetRange(lo, hi int, w word128.Word128) {
	if fs.readOnly {
		panic("bitstore: SetRange on a read-only file store")
	}
	checkRange(fs.size, lo, hi)
	setRangeBytes(fs.payload, lo, hi, w)
}

func (fs *FileStore) Rank(lo, hi int) int {
	checkRange(fs.size, lo, hi)
	return rankBytes(fs.payload, lo, hi)
}

// Prefetch advises the kernel to read the entire mapping ahead
// (MADV_WILLNEED), masking first-touch page-fault latency on the k memory
// locations a lookup is about to visit.
func (fs *FileStore) Prefetch() error {
	return unix.Madvise(fs.mapping, unix.MADV_WILLNEED)
}

// Sync flushes the mapped payload to disk.
func (fs *FileStore) Sync() error {
	if fs.readOnly {
		return nil
	}
	return unix.Msync(fs.mapping, unix.MS_SYNC)
}

func (fs *FileStore) Close() error {
	var firstErr error
	if !fs.readOnly {
		if err := fs.Sync(); err != nil {
			firstErr = err
		}
	}
	if err := unix.Munmap(fs.mapping); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("bitstore: munmap: %w", err)
	}
	if err := fs.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		log.Warnw("closed file store with error", "path", fs.f.Name(), "err", firstErr)
	} else {
		log.Debugw("closed file store", "path", fs.f.Name())
	}
	return firstErr
}

// PersistFrom materializes a new file-backed store at path with the given
// header, sized to match src, and copies src's bit payload into it. Used to
// convert an anonymous MemoryStore into a file-backed one.
func PersistFrom(path string, header []byte, src *MemoryStore, mode os.FileMode) (*FileStore, error) {
	fs, err := Create(path, src.Size(), header, mode)
	if err != nil {
		return nil, err
	}
	copy(fs.payload, src.Bytes())
	if err := fs.Sync(); err != nil {
		fs.Close()
		return nil, err
	}
	return fs, nil
}
