package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PushRecord is one proactive delivery captured by the console adapter when
// nobody is watching the terminal.
type PushRecord struct {
	Time      time.Time `json:"time"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"text"`
}

// PushStore appends push records to a JSON-lines file.
type PushStore struct {
	mu   sync.Mutex
	path string
}

// NewPushStore creates a push store backed by the given file path.
func NewPushStore(path string) *PushStore {
	return &PushStore{path: path}
}

// Append writes one record. The file is opened per call; push traffic is rare.
func (s *PushStore) Append(rec PushRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open push store: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append push record: %w", err)
	}
	return nil
}
