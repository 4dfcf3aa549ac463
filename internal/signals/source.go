package signals

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrSourceNotFound is returned when the backing signal file does not exist
var ErrSourceNotFound = errors.New("signal source not found")

// Source supplies signals to the scheduler
type Source interface {
	// LoadAll (re)reads the signal list. Valid signals are returned even when
	// some entries were rejected; the rejects come back as a *ParseError.
	LoadAll() ([]Signal, error)
	// DueAt returns the loaded signals scheduled for t's HH:MM, in list order
	DueAt(t time.Time) []Signal
	// NextUpcoming returns up to n loaded signals at or after t's HH:MM today, earliest first
	NextUpcoming(t time.Time, n int) []Signal
}

func dueAt(list []Signal, t time.Time) []Signal {
	now := TimeOfDayOf(t)
	var out []Signal
	for _, s := range list {
		if s.TimeOfDay == now {
			out = append(out, s)
		}
	}
	return out
}

func upcoming(list []Signal, t time.Time, n int) []Signal {
	now := TimeOfDayOf(t)
	var out []Signal
	for _, s := range list {
		if !s.TimeOfDay.Before(now) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimeOfDay.Before(out[j].TimeOfDay)
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ============================================================================
// FILE SOURCE
// ============================================================================

// FileSource reads signals from a text file and caches the last load
type FileSource struct {
	path string

	mu      sync.RWMutex
	signals []Signal
	rejects []LineError
}

// NewFileSource creates a source for path. Nothing is read until LoadAll.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the backing file path
func (f *FileSource) Path() string {
	return f.path
}

// LoadAll re-reads the file
func (f *FileSource) LoadAll() ([]Signal, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.mu.Lock()
		f.signals = nil
		f.rejects = nil
		f.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, f.path)
		}
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}

	list, parseErr := Parse(bytes.NewReader(data))

	var rejects []LineError
	var pe *ParseError
	if errors.As(parseErr, &pe) {
		rejects = pe.Lines
	}

	f.mu.Lock()
	f.signals = list
	f.rejects = rejects
	f.mu.Unlock()

	return copySignals(list), parseErr
}

// DueAt implements Source
func (f *FileSource) DueAt(t time.Time) []Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return dueAt(f.signals, t)
}

// NextUpcoming implements Source
func (f *FileSource) NextUpcoming(t time.Time, n int) []Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return upcoming(f.signals, t, n)
}

// All returns the signals from the last load
func (f *FileSource) All() []Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copySignals(f.signals)
}

// Rejects returns the rejected lines from the last load
func (f *FileSource) Rejects() []LineError {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]LineError, len(f.rejects))
	copy(out, f.rejects)
	return out
}

// Save replaces the file content and reloads it. Content is written even when it
// contains invalid lines; the rejects are returned as a *ParseError.
func (f *FileSource) Save(content string) ([]Signal, error) {
	if err := writeAtomic(f.path, []byte(content)); err != nil {
		return nil, err
	}
	return f.LoadAll()
}

// Add appends one signal to the file
func (f *FileSource) Add(sig Signal) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create signal directory: %w", err)
	}
	existing, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read signal file: %w", err)
	}
	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += sig.String() + "\n"

	if err := writeAtomic(f.path, []byte(content)); err != nil {
		return err
	}
	_, err = f.LoadAll()
	var pe *ParseError
	if errors.As(err, &pe) {
		return nil
	}
	return err
}

// Remove deletes the index-th valid signal and rewrites the file with the remaining ones
func (f *FileSource) Remove(index int) (Signal, error) {
	list, err := f.LoadAll()
	var pe *ParseError
	if err != nil && !errors.As(err, &pe) {
		return Signal{}, err
	}
	if index < 0 || index >= len(list) {
		return Signal{}, fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, index, len(list))
	}

	removed := list[index]
	list = append(list[:index], list[index+1:]...)
	if err := writeAtomic(f.path, []byte(Format(list))); err != nil {
		return Signal{}, err
	}
	if _, err := f.LoadAll(); err != nil && !errors.As(err, &pe) {
		return Signal{}, err
	}
	return removed, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create signal directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".signals-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write signals: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write signals: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace signal file: %w", err)
	}
	return nil
}

func copySignals(in []Signal) []Signal {
	if in == nil {
		return nil
	}
	out := make([]Signal, len(in))
	copy(out, in)
	return out
}

// ============================================================================
// MEMORY SOURCE
// ============================================================================

// MemorySource serves a fixed in-memory list. Set replaces it; the next LoadAll picks it up.
type MemorySource struct {
	mu      sync.RWMutex
	pending []Signal
	loaded  []Signal
	loads   int
}

// NewMemorySource creates a source preloaded with list
func NewMemorySource(list ...Signal) *MemorySource {
	return &MemorySource{pending: copySignals(list)}
}

// Set replaces the list returned by the next LoadAll
func (m *MemorySource) Set(list ...Signal) {
	m.mu.Lock()
	m.pending = copySignals(list)
	m.mu.Unlock()
}

// Loads returns how many times LoadAll ran
func (m *MemorySource) Loads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loads
}

// LoadAll implements Source
func (m *MemorySource) LoadAll() ([]Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	m.loaded = copySignals(m.pending)
	return copySignals(m.loaded), nil
}

// DueAt implements Source
func (m *MemorySource) DueAt(t time.Time) []Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dueAt(m.loaded, t)
}

// NextUpcoming implements Source
func (m *MemorySource) NextUpcoming(t time.Time, n int) []Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return upcoming(m.loaded, t, n)
}
