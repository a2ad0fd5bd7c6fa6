// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

// Package pngstrip canonicalizes byte streams before content hashing.
//
// Image processing tools embed non-deterministic metadata (capture and
// modification timestamps) in the PNGs they emit, so two uploads of a
// semantically identical image hash differently and defeat
// deduplication. Rewrite removes exactly that metadata: the tIME chunk,
// and the date:* entries that ImageMagick and friends inject into tEXt
// chunks. Everything else is copied through byte-for-byte, and any
// stream that is not a PNG passes through completely unmodified.
//
// The rewrite is streaming: it holds at most one tEXt payload (under
// the 16 KiB ceiling) in memory at a time; all other chunks are copied
// without buffering their payloads.
package pngstrip

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// signature is the fixed 8-byte PNG file header.
var signature = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// textSizeCeiling is the largest tEXt payload that is parsed for
// key/value filtering. Chunks at or above this size are copied
// through unmodified.
const textSizeCeiling = 16384

// maxKeywordLength is the PNG spec's keyword limit (79 bytes plus the
// NUL separator). A tEXt payload whose first NUL is not within this
// bound is treated as malformed and copied through unmodified.
const maxKeywordLength = 79

// strippedTextKeys are tEXt entries that destroy deduplication and
// carry no semantic content. date:create is the closest to useful,
// but ImageMagick injects it into files that lack any timestamp.
var strippedTextKeys = map[string]bool{
	"date:timestamp": true,
	"date:create":    true,
	"date:modify":    true,
}

const (
	typeTIME = "tIME"
	typeTEXT = "tEXt"
	typeIEND = "IEND"
)

// Rewrite copies src to dst, canonicalizing PNG streams and passing
// everything else through unchanged. It never fails on malformed
// content beyond genuine I/O errors: a chunk that cannot be safely
// rewritten (bad CRC, malformed NUL-termination, oversized tEXt) is
// copied byte-for-byte instead.
func Rewrite(dst io.Writer, src io.Reader) error {
	var magic [8]byte
	n, err := io.ReadFull(src, magic[:])
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		// Too short to be a PNG; emit what there was.
		if n > 0 {
			if _, werr := dst.Write(magic[:n]); werr != nil {
				return werr
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	if magic != signature {
		if _, err := dst.Write(magic[:]); err != nil {
			return err
		}
		_, err := io.Copy(dst, src)
		return err
	}

	in := bufio.NewReader(src)
	out := bufio.NewWriter(dst)
	if _, err := out.Write(magic[:]); err != nil {
		return err
	}
	if err := rewriteChunks(out, in); err != nil {
		return err
	}
	return out.Flush()
}

func rewriteChunks(out *bufio.Writer, in *bufio.Reader) error {
	var header [8]byte // length + type
	for {
		if _, err := io.ReadFull(in, header[:]); err != nil {
			return fmt.Errorf("reading chunk header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[:4])
		chunkType := string(header[4:8])

		switch {
		case chunkType == typeTIME:
			// Useless chunk that destroys dedupe.
			if _, err := io.CopyN(io.Discard, in, int64(length)+4); err != nil {
				return fmt.Errorf("skipping tIME chunk: %w", err)
			}

		case chunkType == typeTEXT && length < textSizeCeiling:
			if err := rewriteText(out, in, header, length); err != nil {
				return err
			}

		default:
			if err := copyChunk(out, in, header, length); err != nil {
				return err
			}
			if chunkType == typeIEND {
				return nil
			}
		}
	}
}

// copyChunk emits the chunk header then streams payload and CRC
// through unchanged.
func copyChunk(out *bufio.Writer, in *bufio.Reader, header [8]byte, length uint32) error {
	if _, err := out.Write(header[:]); err != nil {
		return err
	}
	if _, err := io.CopyN(out, in, int64(length)+4); err != nil {
		return fmt.Errorf("copying chunk: %w", err)
	}
	return nil
}

// rewriteText filters a small tEXt chunk's NUL-delimited entries. The
// payload and CRC have not been consumed yet. Deny-listed keys are
// dropped, surviving entries keep their original order, and a chunk
// with no survivors is omitted entirely. A CRC failure or malformed
// NUL-termination downgrades to a verbatim copy.
func rewriteText(out *bufio.Writer, in *bufio.Reader, header [8]byte, length uint32) error {
	payload := make([]byte, length)
	if _, err := io.ReadFull(in, payload); err != nil {
		return fmt.Errorf("reading tEXt payload: %w", err)
	}
	var crcBytes [4]byte
	if _, err := io.ReadFull(in, crcBytes[:]); err != nil {
		return fmt.Errorf("reading tEXt crc: %w", err)
	}

	verbatim := func() error {
		if _, err := out.Write(header[:]); err != nil {
			return err
		}
		if _, err := out.Write(payload); err != nil {
			return err
		}
		_, err := out.Write(crcBytes[:])
		return err
	}

	// CRC covers type + payload. A mismatch means the producer was
	// confused; leave its chunk alone.
	crc := crc32.NewIEEE()
	crc.Write(header[4:8])
	crc.Write(payload)
	if binary.BigEndian.Uint32(crcBytes[:]) != crc.Sum32() {
		return verbatim()
	}

	kept, ok := filterTextEntries(payload)
	if !ok {
		return verbatim()
	}
	if len(kept) == 0 {
		return nil
	}
	return writeChunk(out, typeTEXT, kept)
}

// filterTextEntries parses payload as NUL-delimited key/value entries
// (Latin-1 keys) and returns the surviving entries re-encoded in
// original order. ok is false when the payload's NUL-termination is
// malformed, in which case the caller must copy the chunk verbatim.
func filterTextEntries(payload []byte) (kept []byte, ok bool) {
	var buf bytes.Buffer
	rest := payload
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, 0)
		if i < 0 || i > maxKeywordLength {
			return nil, false
		}
		if i == 0 {
			// Empty keyword terminates the list.
			break
		}
		key := string(rest[:i])
		rest = rest[i+1:]

		var value []byte
		if j := bytes.IndexByte(rest, 0); j >= 0 {
			value, rest = rest[:j], rest[j+1:]
		} else {
			value, rest = rest, nil
		}

		if strippedTextKeys[key] {
			continue
		}
		buf.WriteString(key)
		buf.WriteByte(0)
		buf.Write(value)
		buf.WriteByte(0)
	}
	return buf.Bytes(), true
}

// writeChunk emits a chunk with a freshly computed CRC.
func writeChunk(out *bufio.Writer, chunkType string, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := out.Write(length[:]); err != nil {
		return err
	}
	if _, err := out.WriteString(chunkType); err != nil {
		return err
	}
	if _, err := out.Write(payload); err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	crc.Write([]byte(chunkType))
	crc.Write(payload)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	_, err := out.Write(sum[:])
	return err
}
