// Package readiness implements the file-backed readiness state machine.
// A small text file on disk ("state:reason", e.g. "offline:maintenance
// window") gates whether the tenant accepts new client connections; the
// file is watched with fsnotify and re-read on every change.
package readiness

import (
	"bufio"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is one of the readiness states a tenant can be placed in.
type State string

const (
	// StateDefault is normal operation: the tenant accepts connections.
	StateDefault State = "default"
	// StateReadOnly rejects new non-superuser write transactions.
	StateReadOnly State = "read_only"
	// StateOffline rejects all new client connections.
	StateOffline State = "offline"
	// StateBlocked is a hard stop, distinct from Offline in carrying no
	// implication of a future automatic recovery.
	StateBlocked State = "blocked"
)

// IsOnline reports whether a state still accepts new connections.
func (s State) IsOnline() bool {
	return s != StateOffline
}

// IsReady reports whether the tenant should advertise itself as ready to
// serve, read-only service included.
func (s State) IsReady() bool {
	return s == StateDefault || s == StateReadOnly
}

// IsBlocked reports whether the tenant is hard-stopped.
func (s State) IsBlocked() bool { return s == StateBlocked }

// IsReadOnly reports whether writes should be rejected.
func (s State) IsReadOnly() bool { return s == StateReadOnly }

// Monitor watches a readiness-state file and exposes its parsed state plus
// a derived AcceptingConnections flag, kept current across file-watcher
// callbacks.
type Monitor struct {
	path     string
	onChange func(State, string)

	mu     sync.RWMutex
	state  State
	reason string

	accepting atomic.Bool

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Monitor for the readiness-state file at path. The file is
// read once synchronously so the initial state is available immediately;
// an absent file is not an error, just StateDefault. onChange, if non-nil,
// is invoked after every reload (the initial one included) with the
// resulting state and reason.
func New(path string, onChange func(State, string)) (*Monitor, error) {
	m := &Monitor{
		path:     path,
		onChange: onChange,
		state:    StateDefault,
		stopCh:   make(chan struct{}),
	}
	m.accepting.Store(true)
	m.reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory, not the file itself: editors commonly
	// replace the file (rename over it) rather than writing in place, which
	// fsnotify only observes on the directory.
	dir := dirOf(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	m.watcher = w

	m.wg.Add(1)
	go m.run()
	return m, nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func (m *Monitor) run() {
	defer m.wg.Done()
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, m.path) && event.Name != m.path {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, m.reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("readiness watcher error", "err", err)
		case <-m.stopCh:
			return
		}
	}
}

// reload re-reads the readiness-state file. A missing file logs at info
// level and falls back to Default; a malformed line logs at warning level
// and falls back to Default; any other read error also falls back to
// Default with a warning. AcceptingConnections is always recomputed from
// whatever state resulted.
func (m *Monitor) reload() {
	state, reason, err := readStateFile(m.path)
	switch {
	case err == nil:
		// fall through, apply parsed state
	case errors.Is(err, os.ErrNotExist):
		slog.Info("readiness state file not found, defaulting to online", "path", m.path)
		state, reason = StateDefault, ""
	default:
		slog.Warn("failed to read readiness state file, defaulting to online", "path", m.path, "err", err)
		state, reason = StateDefault, ""
	}

	m.mu.Lock()
	m.state = state
	m.reason = reason
	m.mu.Unlock()
	m.accepting.Store(state.IsOnline())
	if m.onChange != nil {
		m.onChange(state, reason)
	}
}

func readStateFile(path string) (State, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return StateDefault, "", nil
	}
	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return StateDefault, "", nil
	}

	stateStr, reason, _ := strings.Cut(line, ":")
	state := State(strings.TrimSpace(stateStr))
	switch state {
	case StateDefault, StateReadOnly, StateOffline, StateBlocked:
		return state, strings.TrimSpace(reason), nil
	default:
		return "", "", errMalformedState(line)
	}
}

type malformedStateError struct{ line string }

func (e malformedStateError) Error() string { return "malformed readiness state line: " + e.line }

func errMalformedState(line string) error { return malformedStateError{line: line} }

// State returns the currently parsed readiness state and its reason.
func (m *Monitor) State() (State, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.reason
}

// AcceptingConnections reports whether the tenant should currently accept
// new client connections. Lock-free.
func (m *Monitor) AcceptingConnections() bool {
	return m.accepting.Load()
}

// Stop shuts down the file watcher.
func (m *Monitor) Stop() error {
	close(m.stopCh)
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}
