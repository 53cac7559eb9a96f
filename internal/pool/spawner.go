package pool

import (
	"context"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/rxtech-lab/argo-orchestrator/internal/logger"
	"github.com/rxtech-lab/argo-orchestrator/pkg/errors"
)

// Spawner launches and kills worker processes. The pool only ever talks to
// this interface, so tests can stand in a fake that spawns nothing.
type Spawner interface {
	// Spawn starts a worker process for the given id and returns its pid.
	Spawn(ctx context.Context, workerID string) (int, error)
	// Kill forcibly terminates a previously spawned process.
	Kill(pid int) error
}

// ExecSpawner spawns real OS processes. By default it re-executes the current
// binary with the worker subcommand; a different worker binary can be
// configured instead.
type ExecSpawner struct {
	binary string
	addr   string
	log    *logger.Logger

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewExecSpawner creates a spawner that launches workers pointed at the given
// coordinator address. An empty binary means re-exec the running executable.
func NewExecSpawner(binary, addr string, log *logger.Logger) *ExecSpawner {
	return &ExecSpawner{
		binary: binary,
		addr:   addr,
		log:    log.Named("spawner"),
		procs:  make(map[int]*exec.Cmd),
	}
}

func (s *ExecSpawner) Spawn(ctx context.Context, workerID string) (int, error) {
	binary := s.binary
	if binary == "" {
		executable, err := os.Executable()
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeSpawnFailed, "cannot resolve worker binary", err)
		}
		binary = executable
	}

	cmd := exec.CommandContext(ctx, binary, "worker",
		"--worker-id", workerID,
		"--addr", s.addr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(errors.ErrCodeSpawnFailed, err, "failed to start worker %s", workerID)
	}

	pid := cmd.Process.Pid

	s.mu.Lock()
	s.procs[pid] = cmd
	s.mu.Unlock()

	s.log.Info("spawned worker process",
		zap.String("worker_id", workerID),
		zap.Int("pid", pid))

	// Reap the process so it never lingers as a zombie.
	go func() {
		err := cmd.Wait()

		s.mu.Lock()
		delete(s.procs, pid)
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("worker process exited",
				zap.String("worker_id", workerID),
				zap.Int("pid", pid),
				zap.Error(err))
		}
	}()

	return pid, nil
}

func (s *ExecSpawner) Kill(pid int) error {
	s.mu.Lock()
	cmd, ok := s.procs[pid]
	s.mu.Unlock()

	if !ok {
		// Already reaped.
		return nil
	}

	if err := cmd.Process.Kill(); err != nil {
		return errors.Wrapf(errors.ErrCodeSpawnFailed, err, "failed to kill pid %d", pid)
	}

	return nil
}
