package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

const (
	flagSnappy byte = 1 << 0

	headerSize  = 8 + 1 + 4
	trailerSize = 4 + 8

	// Upper bound on a single record; larger lengths mean a corrupt header
	maxRecordSize = 64 << 20
)

// writeRecord writes a single record and returns the bytes written.
// Format: [Position:8][Flags:1][DataLen:4][Data:N][Checksum:4][Timestamp:8]
// The checksum always covers the uncompressed data.
func writeRecord(w io.Writer, rec Record, compress bool) (int64, error) {
	data := rec.Data
	var flags byte
	if compress {
		data = snappy.Encode(nil, rec.Data)
		flags |= flagSnappy
	}

	buf := make([]byte, headerSize+len(data)+trailerSize)
	binary.BigEndian.PutUint64(buf[0:8], rec.Position)
	buf[8] = flags
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(data)))
	copy(buf[headerSize:], data)
	tail := buf[headerSize+len(data):]
	binary.BigEndian.PutUint32(tail[0:4], rec.Checksum)
	binary.BigEndian.PutUint64(tail[4:12], uint64(rec.Timestamp))

	n, err := w.Write(buf)
	return int64(n), err
}

// readRecord reads one record, verifying its checksum
func readRecord(r *bufio.Reader) (Record, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, 0, fmt.Errorf("torn record header: %w", err)
		}
		return Record{}, 0, err
	}

	rec := Record{Position: binary.BigEndian.Uint64(header[0:8])}
	flags := header[8]
	dataLen := binary.BigEndian.Uint32(header[9:13])
	if dataLen > maxRecordSize {
		return Record{}, 0, fmt.Errorf("record %d length %d exceeds limit", rec.Position, dataLen)
	}

	body := make([]byte, int(dataLen)+trailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, 0, fmt.Errorf("torn record %d: %w", rec.Position, err)
	}

	data := body[:dataLen]
	if flags&flagSnappy != 0 {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return Record{}, 0, fmt.Errorf("record %d: %w", rec.Position, err)
		}
		data = decoded
	}
	rec.Data = data
	rec.Checksum = binary.BigEndian.Uint32(body[dataLen : dataLen+4])
	rec.Timestamp = int64(binary.BigEndian.Uint64(body[dataLen+4:]))

	if err := rec.Verify(); err != nil {
		return Record{}, 0, err
	}
	return rec, int64(headerSize + len(body)), nil
}
