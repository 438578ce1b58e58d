// Package supervisor keeps the long-lived agent processes alive. It spawns
// each child, restarts it with exponential backoff when it exits, and on
// shutdown takes a final snapshot before terminating the children.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 60 * time.Second

	// A child that survives this long is considered a successful spawn and
	// its backoff counter resets.
	healthyWindow = 30 * time.Second

	// Grace period between SIGTERM and SIGKILL during shutdown.
	killGrace = 5 * time.Second
)

// Child describes one supervised process.
type Child struct {
	Name string
	Cmd  string
	Args []string
	Env  []string
}

// Snapshotter is invoked once during graceful shutdown.
type Snapshotter interface {
	Stop()
}

// EmergencyHook runs best-effort when a child cannot be kept alive or the
// supervisor itself is going down abnormally.
type EmergencyHook func(ctx context.Context)

// ChildState is the reported status of one child.
type ChildState struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	LastExit  string    `json:"last_exit,omitempty"`
}

// Supervisor runs a set of children until its context is cancelled.
type Supervisor struct {
	children []Child
	snaps    Snapshotter
	hook     EmergencyHook

	mu    sync.Mutex
	state map[string]*ChildState

	now func() time.Time
}

func New(children []Child, snaps Snapshotter, hook EmergencyHook) *Supervisor {
	s := &Supervisor{
		children: children,
		snaps:    snaps,
		hook:     hook,
		state:    make(map[string]*ChildState),
		now:      time.Now,
	}
	for _, c := range children {
		s.state[c.Name] = &ChildState{Name: c.Name}
	}
	return s
}

// Run blocks until ctx is cancelled or an OS termination signal arrives,
// then shuts down gracefully and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, child := range s.children {
		wg.Add(1)
		go func(c Child) {
			defer wg.Done()
			s.superviseChild(ctx, c)
		}(child)
	}
	wg.Wait()

	s.shutdown()
	return nil
}

// superviseChild spawns one child in a restart loop with exponential backoff.
func (s *Supervisor) superviseChild(ctx context.Context, c Child) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		startedAt := s.now()
		err := s.spawn(ctx, c, startedAt)
		if ctx.Err() != nil {
			return
		}

		uptime := s.now().Sub(startedAt)
		if uptime >= healthyWindow {
			backoff = initialBackoff
		}

		s.mu.Lock()
		st := s.state[c.Name]
		st.Running = false
		st.Restarts++
		if err != nil {
			st.LastExit = err.Error()
		} else {
			st.LastExit = "exit 0"
		}
		s.mu.Unlock()

		log.Warn().
			Str("child", c.Name).
			Dur("uptime", uptime).
			Dur("backoff", backoff).
			Err(err).
			Msg("child exited, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// spawn starts the child process and waits for it to exit.
func (s *Supervisor) spawn(ctx context.Context, c Child, startedAt time.Time) error {
	cmd := exec.Command(c.Cmd, c.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), c.Env...)

	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.state[c.Name]
	st.Running = true
	st.PID = cmd.Process.Pid
	st.StartedAt = startedAt
	s.mu.Unlock()

	log.Info().Str("child", c.Name).Int("pid", cmd.Process.Pid).Msg("child started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		log.Info().Str("child", c.Name).Msg("terminating child")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		kill := time.AfterFunc(killGrace, func() {
			log.Warn().Str("child", c.Name).Msg("child did not exit, killing")
			_ = cmd.Process.Kill()
		})
		<-done
		kill.Stop()
		return ctx.Err()
	}
}

// shutdown performs the final snapshot after all children are stopped.
func (s *Supervisor) shutdown() {
	if s.snaps != nil {
		s.snaps.Stop()
	}
	log.Info().Msg("supervisor stopped")
}

// RunEmergencyHook invokes the close-all hook best-effort with a timeout.
func (s *Supervisor) RunEmergencyHook() {
	if s.hook == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.hook(ctx)
}

// States returns a copy of the current child states.
func (s *Supervisor) States() []ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChildState, 0, len(s.state))
	for _, c := range s.children {
		out = append(out, *s.state[c.Name])
	}
	return out
}
