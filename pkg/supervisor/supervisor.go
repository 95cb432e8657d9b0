// Package supervisor owns the child processes behind stdio backends. It
// tracks one ProcessRecord per backend through the idle → starting → running
// → stopping → stopped / failed state machine, enforces bounded auto-restart,
// and surfaces lifecycle transitions on a typed event channel that the
// gateway drains. The supervisor is the exclusive owner of every child
// handle; the stdio adapter reaches a child's pipes only through the
// epoch-stamped handle returned by Stdio, so a restart can never leave a
// dangling pipe in the adapter.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-http-gateway-go/pkg/backend"
)

// State is the lifecycle phase of a managed process.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// forcedKillWait bounds the wait after escalating to SIGKILL.
const forcedKillWait = 5 * time.Second

// Options configure a Supervisor.
type Options struct {
	// MaxRestarts bounds automatic restarts per lifecycle epoch. Defaults to 3.
	MaxRestarts int
	// RestartDelay is the pause before an automatic restart. Defaults to 5s.
	RestartDelay time.Duration
	// StartupTimeout bounds how long a spawn may take. Defaults to 30s.
	StartupTimeout time.Duration
	// ShutdownTimeout bounds the graceful stop before SIGKILL. Defaults to 10s.
	ShutdownTimeout time.Duration
	// StartupGrace is how long a freshly spawned child is watched for an
	// immediate exit before the record is declared running. An exit inside
	// the window rejects the start. Defaults to 250ms.
	StartupGrace time.Duration
	// AllowedCommands overrides the spawn allowlist. Defaults to
	// backend.DefaultAllowedCommands.
	AllowedCommands []string
	// EventBuffer sizes the lifecycle event channel. Defaults to 64.
	EventBuffer int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 3
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 250 * time.Millisecond
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Info is a point-in-time snapshot of one ProcessRecord.
type Info struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Port         int       `json:"port,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitzero"`
	StoppedAt    time.Time `json:"stoppedAt,omitzero"`
	RestartCount int       `json:"restartCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// record is the mutable ProcessRecord, guarded by Supervisor.mu.
type record struct {
	desc         backend.Descriptor
	state        State
	pid          int
	port         int
	startedAt    time.Time
	stoppedAt    time.Time
	restartCount int
	lastErr      error
	// epoch increments on every spawn so stale monitors and stdio handles
	// can detect that they outlived their child.
	epoch        int
	restartTimer *time.Timer
}

// Supervisor manages child processes for stdio backends.
type Supervisor struct {
	mu       sync.Mutex
	opts     Options
	records  map[string]*record
	children map[string]*child
	events   chan Event
	closed   bool
}

// New constructs a Supervisor.
func New(opts *Options) *Supervisor {
	o := opts.withDefaults()
	return &Supervisor{
		opts:     o,
		records:  make(map[string]*record),
		children: make(map[string]*child),
		events:   make(chan Event, o.EventBuffer),
	}
}

// Events exposes the lifecycle event stream. The channel is closed by Close.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

func (s *Supervisor) emit(ev Event) {
	ev.Time = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.opts.Logger.Debug("event channel full, dropping", "type", ev.Type, "server", ev.Name)
	}
}

// StartServer spawns the child for a stdio descriptor, injecting PORT and
// MCP_PORT into its environment when port is non-zero. Starting a record that
// is already running or starting is a no-op. HTTP descriptors and descriptors
// without a command are rejected without marking the record failed. A child
// that exits before the startup grace window elapses never reaches running:
// the start is rejected with ErrExitedDuringStartup and the failure
// propagates to the caller, with auto-restart still applying per policy.
func (s *Supervisor) StartServer(d backend.Descriptor, port int) error {
	if d.Protocol == backend.ProtocolHTTP {
		return fmt.Errorf("supervisor: %s: %w", d.Name, ErrHTTPNotSpawnable)
	}
	if d.Command == "" {
		return fmt.Errorf("supervisor: %s: %w", d.Name, backend.ErrNoCommand)
	}
	if err := backend.ValidateCommand(d.Command, s.opts.AllowedCommands); err != nil {
		return fmt.Errorf("supervisor: %s: %w", d.Name, err)
	}
	if err := backend.ValidateArgs(d.Args); err != nil {
		return fmt.Errorf("supervisor: %s: %w", d.Name, err)
	}

	s.mu.Lock()
	rec := s.records[d.Name]
	if rec == nil {
		rec = &record{desc: d, state: StateIdle}
		s.records[d.Name] = rec
	}
	if rec.state == StateRunning || rec.state == StateStarting {
		s.mu.Unlock()
		return nil
	}
	rec.desc = d
	rec.state = StateStarting
	rec.lastErr = nil
	rec.startedAt = time.Now()
	rec.stoppedAt = time.Time{}
	rec.port = port
	rec.epoch++
	epoch := rec.epoch
	s.mu.Unlock()

	s.opts.Logger.Info("starting server", "server", d.Name, "command", d.Command, "port", port)

	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = mergeEnv(d.Env, port)

	ch, err := newChild(cmd, epoch)
	if err != nil {
		return s.failStart(d.Name, epoch, fmt.Errorf("supervisor: %s: pipes: %w", d.Name, err))
	}

	// Guard against a spawn that wedges (for example PATH resolution on an
	// unresponsive mount). Normally cancelled immediately after Start returns.
	startupTimer := time.AfterFunc(s.opts.StartupTimeout, func() {
		s.mu.Lock()
		stillStarting := false
		if cur := s.records[d.Name]; cur != nil && cur.epoch == epoch && cur.state == StateStarting {
			stillStarting = true
		}
		s.mu.Unlock()
		if stillStarting && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})

	if err := cmd.Start(); err != nil {
		startupTimer.Stop()
		ch.closePipes()
		return s.failStart(d.Name, epoch, fmt.Errorf("supervisor: %s: %w", d.Name, err))
	}
	startupTimer.Stop()

	ch.start(d.Name, s.opts.Logger)

	// Watch the reaper for the startup grace window: a child that exits
	// here never reaches running and the start itself is rejected.
	select {
	case <-ch.waitDone:
		cause := fmt.Errorf("supervisor: %s: %w", d.Name, ErrExitedDuringStartup)
		if ch.waitErr != nil {
			cause = fmt.Errorf("supervisor: %s: %w: %v", d.Name, ErrExitedDuringStartup, ch.waitErr)
		}
		return s.failStart(d.Name, epoch, cause)
	case <-time.After(s.opts.StartupGrace):
	}

	s.mu.Lock()
	rec = s.records[d.Name]
	if rec == nil || rec.epoch != epoch {
		// Torn down while spawning; reap the orphan.
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		return fmt.Errorf("supervisor: %s: record removed during start", d.Name)
	}
	rec.state = StateRunning
	rec.pid = cmd.Process.Pid
	s.children[d.Name] = ch
	s.mu.Unlock()

	go s.monitor(d.Name, epoch, ch, d)

	s.emit(Event{Type: EventStarted, Name: d.Name, PID: cmd.Process.Pid, Port: port})
	return nil
}

// failStart records a spawn failure and arms the auto-restart policy.
func (s *Supervisor) failStart(name string, epoch int, cause error) error {
	attempt := 0
	s.mu.Lock()
	rec := s.records[name]
	if rec != nil && rec.epoch == epoch {
		rec.state = StateFailed
		rec.lastErr = cause
		rec.stoppedAt = time.Now()
		rec.pid = 0
		attempt = s.scheduleRestartLocked(rec)
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventFailed, Name: name, Err: cause})
	if attempt > 0 {
		s.emit(Event{Type: EventRestartScheduled, Name: name, Restarts: attempt})
	}
	return cause
}

// scheduleRestartLocked arms the single auto-restart timer for a failed
// record and returns the attempt number, or 0 when policy forbids a restart.
// Callers hold s.mu. The timer is armed under the lock with a nil check so it
// can never be double-armed for one crash.
func (s *Supervisor) scheduleRestartLocked(rec *record) int {
	if !rec.desc.Restart || rec.restartCount >= s.opts.MaxRestarts {
		return 0
	}
	if rec.restartTimer != nil {
		return 0
	}
	rec.restartCount++
	attempt := rec.restartCount
	desc := rec.desc
	port := rec.port
	rec.restartTimer = time.AfterFunc(s.opts.RestartDelay, func() {
		s.mu.Lock()
		if cur := s.records[desc.Name]; cur != nil {
			cur.restartTimer = nil
		}
		s.mu.Unlock()
		s.opts.Logger.Info("auto-restarting server", "server", desc.Name, "attempt", attempt)
		if err := s.StartServer(desc, port); err != nil {
			s.opts.Logger.Warn("auto-restart failed", "server", desc.Name, "error", err)
		}
	})
	return attempt
}

// monitor reaps the child and drives the runtime-crash path; exits inside
// the startup grace window are rejected by StartServer before monitor is
// ever spawned. The stop path owns the transition when state is stopping.
func (s *Supervisor) monitor(name string, epoch int, ch *child, d backend.Descriptor) {
	err := ch.wait()

	s.mu.Lock()
	rec := s.records[name]
	if rec == nil || rec.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if rec.state == StateStopping || rec.state == StateStopped {
		s.mu.Unlock()
		return
	}
	rec.state = StateFailed
	rec.stoppedAt = time.Now()
	rec.pid = 0
	cause := err
	if cause == nil {
		cause = fmt.Errorf("exited unexpectedly")
	}
	rec.lastErr = cause
	delete(s.children, name)
	attempt := s.scheduleRestartLocked(rec)
	restarts := rec.restartCount
	s.mu.Unlock()

	s.opts.Logger.Warn("server exited", "server", name, "error", cause, "restarts", restarts)
	s.emit(Event{Type: EventFailed, Name: name, Err: cause, Restarts: restarts})
	if attempt > 0 {
		s.emit(Event{Type: EventRestartScheduled, Name: name, Restarts: attempt})
	}
}

// StopServer gracefully stops a child: SIGTERM (or the provided signal),
// then SIGKILL after the shutdown timeout. Stopping a record that is already
// stopped, stopping, or has no child is a no-op.
func (s *Supervisor) StopServer(ctx context.Context, name string, sig ...os.Signal) error {
	s.mu.Lock()
	rec := s.records[name]
	ch := s.children[name]
	if rec == nil || ch == nil || rec.state == StateStopped || rec.state == StateStopping {
		s.mu.Unlock()
		return nil
	}
	rec.state = StateStopping
	if rec.restartTimer != nil {
		rec.restartTimer.Stop()
		rec.restartTimer = nil
	}
	s.mu.Unlock()

	signal := os.Signal(syscall.SIGTERM)
	if len(sig) > 0 {
		signal = sig[0]
	}
	reason := StopReasonManual
	if err := ch.cmd.Process.Signal(signal); err != nil {
		s.opts.Logger.Debug("signal failed, escalating", "server", name, "error", err)
	}

	select {
	case <-ch.waitDone:
	case <-ctx.Done():
		_ = ch.cmd.Process.Kill()
		reason = StopReasonForced
		<-ch.waitDone
	case <-time.After(s.opts.ShutdownTimeout):
		s.opts.Logger.Warn("graceful stop timed out, killing", "server", name)
		_ = ch.cmd.Process.Kill()
		reason = StopReasonForced
		select {
		case <-ch.waitDone:
		case <-time.After(forcedKillWait):
		}
	}

	s.mu.Lock()
	rec.state = StateStopped
	rec.stoppedAt = time.Now()
	rec.pid = 0
	delete(s.children, name)
	s.mu.Unlock()

	s.opts.Logger.Info("server stopped", "server", name, "reason", reason)
	s.emit(Event{Type: EventStopped, Name: name, Reason: reason})
	return nil
}

// RestartServer stops a live child if needed, resets the restart budget, and
// starts the same descriptor again on its previous port.
func (s *Supervisor) RestartServer(ctx context.Context, name string) error {
	s.mu.Lock()
	rec := s.records[name]
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: unknown server %q", name)
	}
	desc := rec.desc
	port := rec.port
	live := rec.state == StateRunning || rec.state == StateStarting
	s.mu.Unlock()

	if live {
		if err := s.StopServer(ctx, name); err != nil {
			return err
		}
	}

	s.mu.Lock()
	rec.restartCount = 0
	s.mu.Unlock()

	return s.StartServer(desc, port)
}

// StopAllServers stops every live child concurrently.
func (s *Supervisor) StopAllServers(ctx context.Context) error {
	s.mu.Lock()
	var names []string
	for name, rec := range s.records {
		if rec.state == StateRunning || rec.state == StateStarting {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			return s.StopServer(ctx, name)
		})
	}
	return g.Wait()
}

// ProcessInfo returns a snapshot of one record.
func (s *Supervisor) ProcessInfo(name string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	if !ok {
		return Info{}, false
	}
	return snapshotLocked(name, rec), true
}

// State returns the record's state, or StateIdle for unknown names.
func (s *Supervisor) State(name string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[name]; ok {
		return rec.state
	}
	return StateIdle
}

// AllProcesses returns snapshots for every record, ordered by name.
func (s *Supervisor) AllProcesses() []Info {
	return s.snapshotWhere(func(*record) bool { return true })
}

// RunningProcesses returns snapshots of records in state running.
func (s *Supervisor) RunningProcesses() []Info {
	return s.snapshotWhere(func(r *record) bool { return r.state == StateRunning })
}

// FailedProcesses returns snapshots of records in state failed.
func (s *Supervisor) FailedProcesses() []Info {
	return s.snapshotWhere(func(r *record) bool { return r.state == StateFailed })
}

func (s *Supervisor) snapshotWhere(keep func(*record) bool) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.records))
	for name, rec := range s.records {
		if keep(rec) {
			out = append(out, snapshotLocked(name, rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func snapshotLocked(name string, rec *record) Info {
	info := Info{
		Name:         name,
		State:        rec.state,
		PID:          rec.pid,
		Port:         rec.port,
		StartedAt:    rec.startedAt,
		StoppedAt:    rec.stoppedAt,
		RestartCount: rec.restartCount,
	}
	if rec.lastErr != nil {
		info.LastError = rec.lastErr.Error()
	}
	return info
}

// Stats summarizes record states for the metrics endpoint.
type Stats struct {
	Total         int           `json:"total"`
	ByState       map[State]int `json:"byState"`
	TotalRestarts int           `json:"totalRestarts"`
}

// Summary returns aggregate process counters.
func (s *Supervisor) Summary() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.records), ByState: make(map[State]int)}
	for _, rec := range s.records {
		st.ByState[rec.state]++
		st.TotalRestarts += rec.restartCount
	}
	return st
}

// Close cancels pending restart timers and closes the event channel. Callers
// should StopAllServers first.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, rec := range s.records {
		if rec.restartTimer != nil {
			rec.restartTimer.Stop()
			rec.restartTimer = nil
		}
	}
	s.mu.Unlock()
	close(s.events)
}

// mergeEnv layers the descriptor environment over the process environment and
// injects the allocated port.
func mergeEnv(env map[string]string, port int) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	if port > 0 {
		merged = append(merged, "PORT="+strconv.Itoa(port), "MCP_PORT="+strconv.Itoa(port))
	}
	return merged
}
