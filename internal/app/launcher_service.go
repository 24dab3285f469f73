package app

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"syscall"

	"github.com/mechatroNick/dagster/internal/domain"
)

// CommandFactory builds the OS command that executes the run coordinator
// for one run in a separate process. Production wires the runworker binary;
// tests re-exec the test binary in helper-process mode.
type CommandFactory func(run *domain.Run) *exec.Cmd

type launchedProcess struct {
	run                  *domain.Run
	cmd                  *exec.Cmd
	done                 chan struct{}
	exited               bool
	terminationRequested bool
}

// LauncherService spawns one OS process per run and supervises its
// lifetime: crash detection, cooperative termination, and join.
type LauncherService struct {
	events     domain.EventLog
	registry   domain.RunRegistry
	newCommand CommandFactory

	mu        sync.Mutex
	processes map[string]*launchedProcess
}

func NewLauncherService(events domain.EventLog, registry domain.RunRegistry, newCommand CommandFactory) *LauncherService {
	return &LauncherService{
		events:     events,
		registry:   registry,
		newCommand: newCommand,
		processes:  make(map[string]*launchedProcess),
	}
}

// Launch spawns the run's process and returns without waiting for it.
// Launching a run id that is still tracked fails with ErrDuplicateLaunch
// and spawns nothing.
func (s *LauncherService) Launch(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	if _, exists := s.processes[run.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("launching run %s: %w", run.ID, domain.ErrDuplicateLaunch)
	}
	// Reserve the slot before spawning so a concurrent Launch of the same
	// run id is rejected while we start the process.
	p := &launchedProcess{run: run, done: make(chan struct{})}
	s.processes[run.ID] = p
	s.mu.Unlock()

	s.engineEvent(ctx, run.ID, "About to start process for run "+run.ID)

	cmd := s.newCommand(run)
	if err := cmd.Start(); err != nil {
		s.mu.Lock()
		delete(s.processes, run.ID)
		s.mu.Unlock()
		s.engineEvent(ctx, run.ID, "Failed to start process for run "+run.ID+": "+err.Error())
		return fmt.Errorf("starting process for run %s: %w", run.ID, err)
	}

	// Publish cmd under the mutex; Terminate may already be watching the
	// slot. A termination requested while the process was still starting is
	// delivered now.
	s.mu.Lock()
	p.cmd = cmd
	terminated := p.terminationRequested
	s.mu.Unlock()

	s.engineEvent(ctx, run.ID, fmt.Sprintf("Started process for run %s (pid %d)", run.ID, cmd.Process.Pid))
	if terminated {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("Failed to signal process for run %s: %v", run.ID, err)
		}
	}

	go s.supervise(p)
	return nil
}

// supervise waits for the process to exit, classifies the exit, and emits
// the trailing engine event. It always closes the done channel so Join can
// never deadlock on a process that wrote no terminal event.
func (s *LauncherService) supervise(p *launchedProcess) {
	defer close(p.done)

	waitErr := p.cmd.Wait()
	ctx := context.Background()
	runID := p.run.ID

	s.mu.Lock()
	p.exited = true
	terminated := p.terminationRequested
	s.mu.Unlock()

	s.finalizeExit(ctx, runID, waitErr, terminated)
	s.engineEvent(ctx, runID, "Process for run "+runID+" exited")
}

// finalizeExit synthesizes a terminal status when the process left none
// behind. A termination-requested exit is a failure attributed to the
// request; an abnormal exit without a terminal status is an unexpected
// crash and gets the diagnostic event.
func (s *LauncherService) finalizeExit(ctx context.Context, runID string, waitErr error, terminated bool) {
	run, err := s.registry.GetRun(ctx, runID)
	if err != nil {
		log.Printf("Failed to load run %s after process exit: %v", runID, err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	switch {
	case terminated:
		s.engineEvent(ctx, runID, "Run "+runID+" was terminated by request")
	case waitErr != nil:
		log.Printf("Process for run %s exited abnormally: %v", runID, waitErr)
		s.engineEvent(ctx, runID, fmt.Sprintf("execution process for run %s unexpectedly exited.", runID))
	default:
		// A clean exit that never reached a terminal status is still a
		// failed run, but not a crash.
		s.engineEvent(ctx, runID, "Process for run "+runID+" exited before the run reached a terminal status")
	}
	if err := s.registry.SetRunStatus(ctx, runID, domain.RunStatusFailure); err != nil {
		log.Printf("Failed to mark run %s failed after process exit: %v", runID, err)
	}
}

// CanTerminate reports whether the run is tracked and its process has not
// yet exited.
func (s *LauncherService) CanTerminate(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[runID]
	return ok && !p.exited
}

// Terminate requests cooperative stop of the run's process via SIGTERM.
// It is idempotent, and a no-op once the process has exited.
func (s *LauncherService) Terminate(ctx context.Context, runID string) error {
	s.mu.Lock()
	p, ok := s.processes[runID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("terminating run %s: %w", runID, domain.ErrRunNotFound)
	}
	if p.exited || p.terminationRequested {
		s.mu.Unlock()
		return nil
	}
	p.terminationRequested = true
	cmd := p.cmd
	s.mu.Unlock()

	s.engineEvent(ctx, runID, "Received termination request for run "+runID)
	if cmd == nil {
		// The process has not been started yet; Launch observes the flag
		// and delivers the signal once Start returns.
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the check and the signal.
		log.Printf("Failed to signal process for run %s: %v", runID, err)
	}
	return nil
}

// Join blocks until every tracked process has exited, then forgets the
// exited processes. Safe to call repeatedly.
func (s *LauncherService) Join() {
	s.mu.Lock()
	tracked := make([]*launchedProcess, 0, len(s.processes))
	for _, p := range s.processes {
		tracked = append(tracked, p)
	}
	s.mu.Unlock()

	for _, p := range tracked {
		<-p.done
	}

	s.mu.Lock()
	for id, p := range s.processes {
		if p.exited {
			delete(s.processes, id)
		}
	}
	s.mu.Unlock()
}

func (s *LauncherService) engineEvent(ctx context.Context, runID, message string) {
	payload := domain.MarshalPayload(domain.EnginePayload{Message: message})
	if _, err := s.events.Append(ctx, runID, domain.EventKindEngine, "", payload); err != nil {
		log.Printf("Failed to append engine event for run %s: %v", runID, err)
	}
}
