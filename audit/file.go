package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileSink appends entries as newline-delimited JSON, one file per day.
type FileSink struct {
	mu        sync.Mutex
	directory string
}

// NewFileSink returns a sink writing under directory.
func NewFileSink(directory string) *FileSink {
	return &FileSink{directory: directory}
}

func (s *FileSink) path(t time.Time) string {
	return filepath.Join(s.directory, fmt.Sprintf("audit-%s.jsonl", t.UTC().Format("2006-01-02")))
}

func (s *FileSink) Log(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.directory, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(entry.Timestamp), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// List reads every daily file and returns matching entries, oldest first.
func (s *FileSink) List(ctx context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := filepath.Glob(filepath.Join(s.directory, "audit-*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var entries []Entry
	for _, file := range files {
		found, err := readEntries(file, filter)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, found...)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

func readEntries(path string, filter Filter) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if filter.match(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, scanner.Err()
}
