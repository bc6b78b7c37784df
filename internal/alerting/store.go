package alerting

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/LambTheBamb/SpecterRealMonitor/internal/models"
)

// Store persists alert records durably.
type Store interface {
	Append(rec models.AlertRecord) error
	Close() error
}

// FileStore appends alert records as JSON lines to a well-known file that
// external alert routing tails. Appends are idempotent: the dedupe key is
// metric + cooldown-window start, and keys already present in the file (or
// appended earlier in this process) are skipped, so a redelivered record never
// produces a duplicate line.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	seen map[string]bool
}

func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create alert dir: %w", err)
		}
	}

	seen, err := loadSeenKeys(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open alert file: %w", err)
	}

	return &FileStore{f: f, seen: seen}, nil
}

func (s *FileStore) Append(rec models.AlertRecord) error {
	key := dedupeKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[key] {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert record: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("append alert record: %w", err)
	}
	s.seen[key] = true
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func dedupeKey(rec models.AlertRecord) string {
	return rec.Metric + "@" + strconv.FormatInt(rec.Timestamp.UnixNano(), 10)
}

// loadSeenKeys rebuilds the dedupe set from records already on disk, so
// restarts do not re-append alerts that were delivered before shutdown.
func loadSeenKeys(path string) (map[string]bool, error) {
	seen := make(map[string]bool)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seen, nil
		}
		return nil, fmt.Errorf("read alert file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec models.AlertRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		seen[dedupeKey(rec)] = true
	}
	return seen, scanner.Err()
}
