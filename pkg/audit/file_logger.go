package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	currentLogName = "plugin-audit.log"
	rotatedPattern = "plugin-audit-*.log"

	// longest single JSON line accepted when reading the trail back
	maxLineSize = 1 << 20
)

// ErrLoggerClosed is returned by Log after Close
var ErrLoggerClosed = errors.New("audit log file is closed")

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // Directory holding the current and rotated files
	Rotate   bool
	MaxSize  int64 // Bytes written before the file is rotated (default: 50MB)
	MaxFiles int   // Rotated files kept (default: 10)
}

// DefaultFileLoggerConfig returns default configuration
func DefaultFileLoggerConfig() FileLoggerConfig {
	return FileLoggerConfig{
		BasePath: "/var/log/modulo/audit",
		Rotate:   true,
		MaxSize:  50 * 1024 * 1024,
		MaxFiles: 10,
	}
}

// FileLogger appends audit events to a JSON lines file and rotates it by
// size. Rotated files are named by their UTC rotation time so lexical order
// is age order.
type FileLogger struct {
	config FileLoggerConfig
	now    func() time.Time

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewFileLogger opens, or creates, the current audit file under config.BasePath
func NewFileLogger(config FileLoggerConfig) (*FileLogger, error) {
	defaults := DefaultFileLoggerConfig()
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.MaxFiles <= 0 {
		config.MaxFiles = defaults.MaxFiles
	}
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	l := &FileLogger{config: config, now: time.Now}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.config.BasePath, currentLogName)
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit log file: %w", err)
	}
	l.file, l.size = f, info.Size()
	return nil
}

// rotate moves the current file aside, prunes old files and opens a fresh one
func (l *FileLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	l.file = nil

	rotated := filepath.Join(l.config.BasePath,
		fmt.Sprintf("plugin-audit-%s.log", l.now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename audit log file: %w", err)
	}
	if err := l.prune(); err != nil {
		return err
	}
	return l.open()
}

func (l *FileLogger) rotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.config.BasePath, rotatedPattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (l *FileLogger) prune() error {
	files, err := l.rotatedFiles()
	if err != nil {
		return err
	}
	if len(files) <= l.config.MaxFiles {
		return nil
	}
	for _, file := range files[:len(files)-l.config.MaxFiles] {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("failed to remove old audit log %s: %w", file, err)
		}
	}
	return nil
}

// Log appends event as one JSON line, rotating first when the file is full
func (l *FileLogger) Log(ctx context.Context, event *AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrLoggerClosed
	}
	if l.config.Rotate && l.size > 0 && l.size+int64(len(line)) > l.config.MaxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate audit log: %w", err)
		}
	}

	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the current file. Closing twice is not an error.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ListByPlugin implements Reader. It walks the current file and then the
// rotated ones from newest to oldest until limit events are found.
func (l *FileLogger) ListByPlugin(ctx context.Context, pluginID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	l.mu.Lock()
	rotated, err := l.rotatedFiles()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	paths := []string{l.currentPath()}
	for i := len(rotated) - 1; i >= 0; i-- {
		paths = append(paths, rotated[i])
	}

	var out []*AuditEvent
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := readEvents(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				// pruned by a concurrent rotation
				continue
			}
			return nil, err
		}
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].PluginID != pluginID {
				continue
			}
			out = append(out, events[i])
			if len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// readEvents decodes every line of one audit file in write order
func readEvents(path string) ([]*AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []*AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode audit log entry in %s: %w", filepath.Base(path), err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log %s: %w", filepath.Base(path), err)
	}
	return events, nil
}
