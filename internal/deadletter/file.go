package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"ordersaga/internal/orders/saga"
)

// FileSink appends dead letters to a file as JSON lines and syncs after each
// record.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.f.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data))
	}
	return s.f.Sync()
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
