// Package journal implements the append-only ignored-items journal. Records
// a pipeline could not process are appended here with a category and reason
// instead of blocking the pipeline; health reports read them back.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names the source area of an ignored record.
type Category string

const (
	CategoryAgents        Category = "agents"
	CategoryServices      Category = "services"
	CategoryMCPs          Category = "mcps"
	CategoryConfigs       Category = "configs"
	CategoryFiles         Category = "files"
	CategoryRelationships Category = "relationships"
)

// Entry is one ignored record.
type Entry struct {
	Category  Category        `json:"category"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Journal is an append-only JSONL file. Appends are serialized; reads scan
// the whole file.
type Journal struct {
	mu   sync.Mutex
	path string
}

// Open prepares the journal at path, creating parent directories.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	return &Journal{path: path}, nil
}

// Append writes one entry. The payload is marshalled best-effort; a payload
// that cannot marshal is recorded with the reason extended.
func (j *Journal) Append(category Category, reason string, payload any) error {
	entry := Entry{
		Category:  category,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			entry.Reason = fmt.Sprintf("%s (payload unmarshalable: %v)", reason, err)
		} else {
			entry.Payload = raw
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Entries reads every journal entry since the given time. A zero time reads
// all. Malformed lines are skipped.
func (j *Journal) Entries(since time.Time) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if !since.IsZero() && entry.Timestamp.Before(since) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// CountByCategory tallies entries since the given time.
func (j *Journal) CountByCategory(since time.Time) (map[Category]int, error) {
	entries, err := j.Entries(since)
	if err != nil {
		return nil, err
	}
	counts := make(map[Category]int)
	for _, e := range entries {
		counts[e.Category]++
	}
	return counts, nil
}
