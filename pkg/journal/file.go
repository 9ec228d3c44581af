package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dd0wney/cluso-mq/pkg/clock"
	"github.com/dd0wney/cluso-mq/pkg/logging"
)

// FileName is the journal file inside its directory
const FileName = "journal.log"

// FileOptions configures a file journal
type FileOptions struct {
	Compress bool // snappy-compress record data on disk
	Sync     bool // fsync after every write
	Clock    clock.Clock
	Logger   logging.Logger
}

// File is a journal persisted to a single append-only file.
// Record offsets are indexed in memory so Read does not rescan the file.
type File struct {
	opts    FileOptions
	path    string
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	offsets []int64 // offsets[i] is where position i+1 starts
	size    int64
	closed  bool
	watch   watchers
}

// OpenFile opens or creates the journal in dir, recovering existing records.
// A torn or corrupt tail is truncated away.
func OpenFile(dir string, opts FileOptions) (*File, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j := &File{
		opts: opts,
		path: path,
		file: file,
	}
	if err := j.recover(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to recover journal: %w", err)
	}
	j.writer = bufio.NewWriter(file)
	return j, nil
}

func (j *File) recover() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(j.file)

	var offset int64
	for {
		rec, n, err := readRecord(reader)
		if err == io.EOF {
			break
		}
		if err == nil && rec.Position != uint64(len(j.offsets))+1 {
			err = fmt.Errorf("%w: found %d after %d", ErrOutOfOrder, rec.Position, len(j.offsets))
		}
		if err != nil {
			j.opts.Logger.Warn("journal tail discarded",
				logging.Path(j.path),
				logging.Count(len(j.offsets)),
				logging.Error(err))
			break
		}
		j.offsets = append(j.offsets, offset)
		offset += n
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := j.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	j.size = offset
	return nil
}

func (j *File) Append(data []byte) (Record, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return Record{}, ErrClosed
	}
	if uint64(len(j.offsets)) == ^uint64(0) {
		j.mu.Unlock()
		return Record{}, ErrExhausted
	}
	rec := NewRecord(uint64(len(j.offsets))+1, data, j.opts.Clock.Now().UnixNano())
	err := j.writeLocked(rec)
	j.mu.Unlock()

	if err != nil {
		return Record{}, err
	}
	j.watch.signal()
	return rec, nil
}

func (j *File) ApplyAt(rec Record) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	if err := checkNext(uint64(len(j.offsets)), rec); err != nil {
		j.mu.Unlock()
		return err
	}
	err := j.writeLocked(rec)
	j.mu.Unlock()

	if err != nil {
		return err
	}
	j.watch.signal()
	return nil
}

func (j *File) writeLocked(rec Record) error {
	n, err := writeRecord(j.writer, rec, j.opts.Compress)
	if err == nil {
		err = j.writer.Flush()
	}
	if err == nil && j.opts.Sync {
		err = j.file.Sync()
	}
	if err != nil {
		// Drop whatever reached the file so the next write starts clean
		j.writer.Reset(j.file)
		_ = j.file.Truncate(j.size)
		_, _ = j.file.Seek(j.size, io.SeekStart)
		return fmt.Errorf("failed to write journal record %d: %w", rec.Position, err)
	}
	j.offsets = append(j.offsets, j.size)
	j.size += n
	return nil
}

func (j *File) Read(from uint64, max int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrClosed
	}
	if from == 0 {
		from = 1
	}
	last := uint64(len(j.offsets))
	if from > last {
		return nil, nil
	}
	end := last
	if max > 0 && from-1+uint64(max) < end {
		end = from - 1 + uint64(max)
	}

	start := j.offsets[from-1]
	reader := bufio.NewReader(io.NewSectionReader(j.file, start, j.size-start))
	out := make([]Record, 0, end-from+1)
	for pos := from; pos <= end; pos++ {
		rec, _, err := readRecord(reader)
		if err != nil {
			return out, fmt.Errorf("failed to read journal position %d: %w", pos, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (j *File) LastPosition() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return uint64(len(j.offsets))
}

func (j *File) Watch() (<-chan struct{}, func()) {
	return j.watch.add()
}

// Reset discards every record
func (j *File) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if err := j.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	j.writer.Reset(j.file)
	j.offsets = nil
	j.size = 0
	return nil
}

func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}
