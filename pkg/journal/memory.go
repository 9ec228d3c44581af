package journal

import (
	"sync"

	"github.com/dd0wney/cluso-mq/pkg/clock"
)

// MemJournal is an in-memory journal
type MemJournal struct {
	clock   clock.Clock
	mu      sync.RWMutex
	records []Record
	closed  bool
	watch   watchers
}

// NewMemJournal creates an empty in-memory journal
func NewMemJournal(clk clock.Clock) *MemJournal {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemJournal{clock: clk}
}

func (j *MemJournal) Append(data []byte) (Record, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return Record{}, ErrClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	rec := NewRecord(uint64(len(j.records))+1, buf, j.clock.Now().UnixNano())
	j.records = append(j.records, rec)
	j.mu.Unlock()

	j.watch.signal()
	return rec, nil
}

func (j *MemJournal) ApplyAt(rec Record) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	if err := checkNext(uint64(len(j.records)), rec); err != nil {
		j.mu.Unlock()
		return err
	}
	buf := make([]byte, len(rec.Data))
	copy(buf, rec.Data)
	rec.Data = buf
	j.records = append(j.records, rec)
	j.mu.Unlock()

	j.watch.signal()
	return nil
}

func (j *MemJournal) Read(from uint64, max int) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrClosed
	}
	if from == 0 {
		from = 1
	}
	if from > uint64(len(j.records)) {
		return nil, nil
	}
	end := uint64(len(j.records))
	if max > 0 && from-1+uint64(max) < end {
		end = from - 1 + uint64(max)
	}
	out := make([]Record, end-(from-1))
	copy(out, j.records[from-1:end])
	return out, nil
}

func (j *MemJournal) LastPosition() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.records))
}

func (j *MemJournal) Watch() (<-chan struct{}, func()) {
	return j.watch.add()
}

func (j *MemJournal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.records = nil
	return nil
}

func (j *MemJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	return nil
}
