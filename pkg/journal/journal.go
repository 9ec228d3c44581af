// Package journal stores the ordered, opaque records a live server
// replicates to its backup.
package journal

import (
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	ErrOutOfOrder = errors.New("record is not the next journal position")
	ErrChecksum   = errors.New("record checksum mismatch")
	ErrClosed     = errors.New("journal is closed")
	ErrExhausted  = errors.New("journal position space exhausted")
)

// Record is one journal entry. Positions start at 1 and have no gaps.
type Record struct {
	Position  uint64 `json:"position"`
	Data      []byte `json:"data"`
	Checksum  uint32 `json:"checksum"`
	Timestamp int64  `json:"timestamp"`
}

// NewRecord builds a record and computes its checksum
func NewRecord(position uint64, data []byte, timestamp int64) Record {
	return Record{
		Position:  position,
		Data:      data,
		Checksum:  crc32.ChecksumIEEE(data),
		Timestamp: timestamp,
	}
}

// Verify checks the record's checksum
func (r Record) Verify() error {
	if got := crc32.ChecksumIEEE(r.Data); got != r.Checksum {
		return fmt.Errorf("%w at position %d: expected %08x, got %08x", ErrChecksum, r.Position, r.Checksum, got)
	}
	return nil
}

// Journal is an append-only record log.
//
// Append is used by a live server; ApplyAt by a backup replaying the
// live's records, which must arrive in position order.
type Journal interface {
	Append(data []byte) (Record, error)
	ApplyAt(rec Record) error
	Read(from uint64, max int) ([]Record, error)
	LastPosition() uint64
	Watch() (<-chan struct{}, func())
	Reset() error
	Close() error
}

var (
	_ Journal = (*MemJournal)(nil)
	_ Journal = (*File)(nil)
)

// Absorb appends every record of src to dst, in order, as new records of dst.
// It returns the number of records moved.
func Absorb(dst, src Journal, batch int) (int, error) {
	if batch <= 0 {
		batch = 256
	}
	moved := 0
	next := uint64(1)
	for next <= src.LastPosition() {
		recs, err := src.Read(next, batch)
		if err != nil {
			return moved, fmt.Errorf("failed to read position %d: %w", next, err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			if _, err := dst.Append(rec.Data); err != nil {
				return moved, fmt.Errorf("failed to absorb position %d: %w", rec.Position, err)
			}
			moved++
		}
		next = recs[len(recs)-1].Position + 1
	}
	return moved, nil
}

func checkNext(last uint64, rec Record) error {
	if rec.Position != last+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, rec.Position, last+1)
	}
	return rec.Verify()
}
