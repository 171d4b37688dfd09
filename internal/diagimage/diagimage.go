// Package diagimage exports and restores a compact copy of a dashcam disk
// image for support bundles.
//
// A live or snapshot image is a multi-gigabyte FAT filesystem that is
// mostly empty (a few hours of saved clips against tens of gigabytes of
// capacity). zstd-compressing the raw image still costs a full read/write
// of the apparent size; this format instead records only the non-zero
// 4KB blocks with their offsets, so export size and restore time scale
// with content, not with capacity.
//
// Because a diagnostic archive is meant to travel — attached to a support
// ticket, copied over a flaky tether connection, sat on a USB stick for a
// week — the format also carries enough to catch silent corruption and
// mismatched archives before they get restored onto a real device:
//
// Format (single zstd stream):
//   - header: magic [8]byte "TESLADI2" + version uint8 (2) +
//     sourceNameLen uint16 + sourceName bytes (basename of the exported
//     image, truncated to 255 bytes) + exportedAtUnix int64 (little-endian) +
//     apparent file size uint64 (little-endian)
//   - blocks: repeated (offset uint64 + crc32 uint32 of the block's bytes +
//     data, up to 4096 bytes) for each non-zero block
//   - trailer: sentinel offset value (all bits set) in place of the next
//     block's offset field, followed by block count uint64 and a combined
//     crc32 (IEEE, accumulated over every block's bytes in write order)
//   - EOF ends the zstd stream
//
// Restore verifies each block's crc32 as it is written and the trailer's
// combined crc32 and block count once the stream ends, so a truncated or
// bit-flipped archive is rejected instead of silently producing a
// half-populated image. It then truncates the destination to the recorded
// size (creating a sparse file instantly) and pwrites each recorded block.
package diagimage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ben-z/teslausb-ng/internal/logging"
)

const (
	blockSize = 4096
	magic     = "TESLADI2"
	version   = 2

	maxSourceNameLen = 255
)

// trailerSentinel stands in place of a block offset to mark the start of
// the trailer; a real block offset can never reach this value because
// fileSize is bounded by int64 disk image sizes many orders below it.
const trailerSentinel = ^uint64(0)

var log = logging.New("diagimage")

// Export scans srcPath (a disk image) for non-zero blocks and writes a
// compact archive to dstPath. Returns the number of non-zero blocks
// written, for a log line the caller can report back to the operator.
func Export(srcPath, dstPath string) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open source image: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source image: %w", err)
	}
	fileSize := uint64(info.Size())

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, fmt.Errorf("create diagnostic archive: %w", err)
	}
	defer dst.Close()

	zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd writer: %w", err)
	}

	if err := writeHeader(zw, srcPath, fileSize); err != nil {
		zw.Close()
		return 0, err
	}

	buf := make([]byte, blockSize)
	var offsetBuf [8]byte
	var crcBuf [4]byte
	blocks := 0
	combined := crc32.NewIEEE()

	for offset := uint64(0); offset < fileSize; offset += blockSize {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			zw.Close()
			return 0, fmt.Errorf("read block at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if isZero(buf[:n]) {
			continue
		}

		blockCRC := crc32.ChecksumIEEE(buf[:n])
		combined.Write(buf[:n])

		binary.LittleEndian.PutUint64(offsetBuf[:], offset)
		if _, err := zw.Write(offsetBuf[:]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("write offset: %w", err)
		}
		binary.LittleEndian.PutUint32(crcBuf[:], blockCRC)
		if _, err := zw.Write(crcBuf[:]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("write block checksum: %w", err)
		}
		if _, err := zw.Write(buf[:n]); err != nil {
			zw.Close()
			return 0, fmt.Errorf("write block data: %w", err)
		}
		blocks++
	}

	if err := writeTrailer(zw, uint64(blocks), combined.Sum32()); err != nil {
		zw.Close()
		return 0, err
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("close zstd: %w", err)
	}
	return blocks, nil
}

func writeHeader(w io.Writer, srcPath string, fileSize uint64) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if _, err := w.Write([]byte{version}); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	name := filepath.Base(srcPath)
	if len(name) > maxSourceNameLen {
		name = name[:maxSourceNameLen]
	}
	var nameLenBuf [2]byte
	binary.LittleEndian.PutUint16(nameLenBuf[:], uint16(len(name)))
	if _, err := w.Write(nameLenBuf[:]); err != nil {
		return fmt.Errorf("write source name length: %w", err)
	}
	if _, err := w.Write([]byte(name)); err != nil {
		return fmt.Errorf("write source name: %w", err)
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))
	if _, err := w.Write(tsBuf[:]); err != nil {
		return fmt.Errorf("write export timestamp: %w", err)
	}

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], fileSize)
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("write file size: %w", err)
	}
	return nil
}

func writeTrailer(w io.Writer, blockCount uint64, combinedCRC uint32) error {
	var sentinelBuf [8]byte
	binary.LittleEndian.PutUint64(sentinelBuf[:], trailerSentinel)
	if _, err := w.Write(sentinelBuf[:]); err != nil {
		return fmt.Errorf("write trailer sentinel: %w", err)
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], blockCount)
	if _, err := w.Write(countBuf[:]); err != nil {
		return fmt.Errorf("write trailer block count: %w", err)
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], combinedCRC)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("write trailer checksum: %w", err)
	}
	return nil
}

type header struct {
	sourceName string
	exportedAt time.Time
	fileSize   uint64
}

func readHeader(r io.Reader) (header, error) {
	var magicBuf [8]byte
	if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
		return header{}, fmt.Errorf("read magic: %w", err)
	}
	if string(magicBuf[:]) != magic {
		return header{}, fmt.Errorf("invalid magic: %q (expected %q)", magicBuf[:], magic)
	}

	var versionBuf [1]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return header{}, fmt.Errorf("read version: %w", err)
	}
	if versionBuf[0] != version {
		return header{}, fmt.Errorf("unsupported archive version: %d (expected %d)", versionBuf[0], version)
	}

	var nameLenBuf [2]byte
	if _, err := io.ReadFull(r, nameLenBuf[:]); err != nil {
		return header{}, fmt.Errorf("read source name length: %w", err)
	}
	nameLen := binary.LittleEndian.Uint16(nameLenBuf[:])
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return header{}, fmt.Errorf("read source name: %w", err)
	}

	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return header{}, fmt.Errorf("read export timestamp: %w", err)
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return header{}, fmt.Errorf("read file size: %w", err)
	}

	return header{
		sourceName: string(nameBuf),
		exportedAt: time.Unix(int64(binary.LittleEndian.Uint64(tsBuf[:])), 0),
		fileSize:   binary.LittleEndian.Uint64(sizeBuf[:]),
	}, nil
}

// Restore reconstructs the image at dstPath from a diagnostic archive,
// as a sparse file (instant truncate, only non-zero blocks written). Each
// block's crc32 is checked as it is read, and the archive's trailer is
// checked for block-count and combined-checksum agreement once the stream
// ends. A corrupted or truncated archive is rejected with an error and the
// partially written dstPath is removed rather than left in place.
func Restore(archivePath, dstPath string) (retErr error) {
	t0 := time.Now()

	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open diagnostic archive: %w", err)
	}
	defer src.Close()

	zr, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	hdr, err := readHeader(zr)
	if err != nil {
		return err
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create output image: %w", err)
	}
	defer dst.Close()
	defer func() {
		if retErr != nil {
			os.Remove(dstPath)
		}
	}()

	if err := dst.Truncate(int64(hdr.fileSize)); err != nil {
		return fmt.Errorf("truncate to %d: %w", hdr.fileSize, err)
	}

	var offsetBuf [8]byte
	var crcBuf [4]byte
	buf := make([]byte, blockSize)
	blocks := 0
	combined := crc32.NewIEEE()

	for {
		_, err := io.ReadFull(zr, offsetBuf[:])
		if err != nil {
			return fmt.Errorf("read block offset: %w", err)
		}
		offset := binary.LittleEndian.Uint64(offsetBuf[:])

		if offset == trailerSentinel {
			if err := checkTrailer(zr, uint64(blocks), combined.Sum32()); err != nil {
				return err
			}
			break
		}

		if _, err := io.ReadFull(zr, crcBuf[:]); err != nil {
			return fmt.Errorf("read block checksum at offset %d: %w", offset, err)
		}
		wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

		// The final block of a file whose size isn't a multiple of
		// blockSize is shorter than blockSize; compute its exact length
		// from offset/fileSize rather than reading until a short read,
		// since the stream keeps going past it into the trailer.
		n := blockSize
		if remaining := hdr.fileSize - offset; remaining < blockSize {
			n = int(remaining)
		}
		if _, err := io.ReadFull(zr, buf[:n]); err != nil {
			return fmt.Errorf("read block data at offset %d: %w", offset, err)
		}

		if gotCRC := crc32.ChecksumIEEE(buf[:n]); gotCRC != wantCRC {
			return fmt.Errorf("corrupt block at offset %d: checksum mismatch (archive %#x, computed %#x)", offset, wantCRC, gotCRC)
		}
		combined.Write(buf[:n])

		if _, err := dst.WriteAt(buf[:n], int64(offset)); err != nil {
			return fmt.Errorf("write block at offset %d: %w", offset, err)
		}
		blocks++
	}

	log.Printf("restored %s from %q (exported %s, %d blocks, %d MB apparent, %dms)",
		dstPath, hdr.sourceName, hdr.exportedAt.Format(time.RFC3339), blocks, hdr.fileSize/1024/1024, time.Since(t0).Milliseconds())
	return nil
}

func checkTrailer(r io.Reader, gotBlocks uint64, gotCRC uint32) error {
	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return fmt.Errorf("read trailer block count: %w", err)
	}
	wantBlocks := binary.LittleEndian.Uint64(countBuf[:])
	if wantBlocks != gotBlocks {
		return fmt.Errorf("truncated archive: trailer expects %d blocks, restored %d", wantBlocks, gotBlocks)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return fmt.Errorf("read trailer checksum: %w", err)
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if wantCRC != gotCRC {
		return fmt.Errorf("corrupt archive: trailer checksum %#x does not match restored content %#x", wantCRC, gotCRC)
	}
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
