// Package logstore implements the Log Store (spec.md §4.9, C9): a
// level-filtered, rotating log surfaced to the shell. The in-memory
// ring buffer + daily-file design is grounded on the
// teacher pack's ManuGH-xg2g internal/log package, which keeps an
// in-process ring buffer of recent structured entries alongside the
// durable sink. Structured logging itself runs on go.uber.org/zap,
// promoted from an indirect to a direct dependency per the ambient
// stack decision (teal-fm-piper's go.sum already carries it
// transitively via its HTTP stack).
package logstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ringCapacity = 500

var levelOrder = map[string]int{"DEBUG": 0, "INFO": 1, "WARNING": 2, "ERROR": 3}

// Entry is one persisted log line.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Store is a daily-rotating, level-filtered append log with an
// in-memory ring buffer for fast recent-entry reads.
type Store struct {
	mu       sync.Mutex
	dir      string
	minLevel string
	ring     []Entry

	currentDay string
	file       *os.File
	writer     *bufio.Writer

	zap *zap.Logger
}

// New opens a Store rooted at dataDir/logs. minLevel filters what gets
// persisted and buffered; entries below it are dropped.
func New(dataDir, minLevel string) (*Store, error) {
	if _, ok := levelOrder[minLevel]; !ok {
		minLevel = "INFO"
	}
	dir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir, minLevel: minLevel}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(zapLevel(minLevel)),
	)
	s.zap = zap.New(core, zap.Hooks(s.Hook()))

	return s, nil
}

func zapLevel(level string) zapcore.Level {
	switch level {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger returns the zap logger every other component logs through;
// its output is mirrored into this Store's ring buffer and daily file
// via Save, called from the zap hook New installs (see Hook).
func (s *Store) Logger() *zap.Logger { return s.zap }

// Hook returns a zapcore.WriteSyncer-free hook function suitable for
// zap.Hooks, forwarding every logged entry into this Store.
func (s *Store) Hook() func(zapcore.Entry) error {
	return func(e zapcore.Entry) error {
		level := strings.ToUpper(e.Level.String())
		switch {
		case e.Level == zapcore.WarnLevel:
			level = "WARNING"
		case e.Level > zapcore.WarnLevel:
			level = "ERROR"
		}
		return s.Save(e.Message, level, e.Time)
	}
}

// SetMinLevel updates the filtering level at runtime (driven by
// settings changes).
func (s *Store) SetMinLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := levelOrder[level]; ok {
		s.minLevel = level
	}
}

// Save appends a log entry if its level passes the configured filter.
// Non-blocking in the sense that it never performs network I/O; each
// entry is written and flushed to the daily file before Save returns.
func (s *Store) Save(message, level string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if levelOrder[level] < levelOrder[s.minLevel] {
		return nil
	}

	entry := Entry{Timestamp: at.UTC(), Level: level, Message: message}
	s.ring = append(s.ring, entry)
	if len(s.ring) > ringCapacity {
		s.ring = s.ring[len(s.ring)-ringCapacity:]
	}

	if err := s.ensureFileLocked(at); err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(raw, '\n')); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *Store) ensureFileLocked(at time.Time) error {
	day := at.UTC().Format("2006-01-02")
	if day == s.currentDay && s.file != nil {
		return nil
	}
	if s.file != nil {
		s.writer.Flush()
		s.file.Close()
	}
	path := filepath.Join(s.dir, fmt.Sprintf("listenkeeper-%s.log", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDay = day
	return nil
}

// Get returns the n most recent buffered entries.
func (s *Store) Get(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Entry, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// ListFiles returns the rotated log file names, oldest first.
func (s *Store) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// GetFromFile reads up to the last n entries from the named rotated
// log file.
func (s *Store) GetFromFile(name string, n int) ([]Entry, error) {
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:], nil
}

// Clear empties the in-memory ring buffer. Rotated files on disk are
// left in place; ListFiles/GetFromFile still reach them.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = nil
}
