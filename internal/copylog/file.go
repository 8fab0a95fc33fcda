package copylog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"copytrader/pkg/types"
)

// FileSink appends records as JSON lines to copylog.jsonl in a data
// directory. Appends are mutex-protected and O_APPEND so a crash can lose at
// most the final partial line.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenFile creates the data directory if needed and opens the log for append.
func OpenFile(dir string, logger *slog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create copylog dir: %w", err)
	}
	path := filepath.Join(dir, "copylog.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open copylog: %w", err)
	}
	return &FileSink{file: f, logger: logger.With("component", "copylog")}, nil
}

func (s *FileSink) Append(rec types.CopyRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal copy record", "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		s.logger.Error("write copy record", "error", err)
	}
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
