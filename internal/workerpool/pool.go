// Package workerpool implements the Worker-Process Pool (C10): lifecycle
// of N sibling worker processes (spawn/kill/status), plus the
// round-robin, rate-limit-aware selection spec §4.4 assigns to the
// gateway. Grounded on original_source/src/worker/pool.py's WorkerPool
// class, generalized from asyncio subprocess management to os/exec.
package workerpool

import (
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kestrelai/studiobridge/internal/ratelimit"
	"github.com/kestrelai/studiobridge/internal/workers"
)

// Status is a Worker's lifecycle state (spec §3 "Worker").
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
)

// Worker is the in-memory record of one worker process (spec §3).
type Worker struct {
	ID               string
	ProfileName      string
	ProfilePath      string
	Port             int
	BrowserDebugPort int

	mu           sync.Mutex
	status       Status
	cmd          *exec.Cmd
	requestCount int64
	spawnID      string
}

// SpawnID identifies the current (or most recent) process run for this
// worker id, distinct from ID itself: ID survives restarts as the
// operator-assigned roster key, SpawnID is freshly minted every Start
// call so log lines from two different process lifetimes of the same
// worker never get confused with each other.
func (w *Worker) SpawnID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spawnID
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// RequestCount is observability-only (spec §3's field); selection itself
// is round-robin, not load-aware, per spec §4.4.
func (w *Worker) RequestCount() int64 {
	return atomic.LoadInt64(&w.requestCount)
}

// WorkerCommand builds the argv for launching a worker process, per spec
// §6's CLI surface table.
type WorkerCommand struct {
	Executable        string
	Headless          bool
	StreamPort        int
	CamoufoxProxy     string
	Helper            bool
}

// Pool owns the set of worker processes and their persisted config.
type Pool struct {
	store *workers.Store
	cmd   WorkerCommand
	rl    *ratelimit.Registry

	mu      sync.Mutex
	workers map[string]*Worker

	recoveryHours float64
	rrIndex       uint64
}

// NewPool builds a Pool backed by store for persistence and rl for
// per-(worker,model) rate-limit quarantine (C12).
func NewPool(store *workers.Store, cmd WorkerCommand, rl *ratelimit.Registry) *Pool {
	return &Pool{store: store, cmd: cmd, workers: make(map[string]*Worker), rl: rl, recoveryHours: 6}
}

// LoadFromConfig reads workers.json and populates the in-memory worker
// set, skipping any entry whose auth profile is missing (spec's
// init_from_config behavior).
func (p *Pool) LoadFromConfig() {
	file := p.store.Load()
	p.mu.Lock()
	p.recoveryHours = file.Settings.RecoveryHours
	if p.recoveryHours <= 0 {
		p.recoveryHours = 6
	}
	p.mu.Unlock()

	var kept []workers.Record
	for _, rec := range file.Workers {
		path, ok := p.store.ResolveProfilePath(rec.Profile)
		if !ok {
			log.Warnf("workerpool: skipping worker %s: auth profile %s not found", rec.ID, rec.Profile)
			continue
		}
		p.mu.Lock()
		p.workers[rec.ID] = &Worker{
			ID:               rec.ID,
			ProfileName:      rec.Profile,
			ProfilePath:      path,
			Port:             rec.Port,
			BrowserDebugPort: rec.BrowserDebugPort,
			status:           StatusStopped,
		}
		p.mu.Unlock()
		kept = append(kept, rec)
	}
	if len(kept) != len(file.Workers) {
		file.Workers = kept
		if err := p.store.Save(file); err != nil {
			log.WithError(err).Warn("workerpool: failed to rewrite workers.json after pruning")
		}
	}
	log.Infof("workerpool: loaded %d workers from config", len(p.workers))
}

func (p *Pool) recoveryDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.recoveryHours * float64(time.Hour))
}

// Start spawns worker_id's child process, per spec §4.4's lifecycle.
func (p *Pool) Start(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("workerpool: worker %s not found", id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusRunning {
		return fmt.Errorf("workerpool: worker %s already running", id)
	}

	args := []string{
		"--headless",
		"--server-port", fmt.Sprint(w.Port),
		"--camoufox-debug-port", fmt.Sprint(w.BrowserDebugPort),
		"--active-auth-json", w.ProfilePath,
		"--stream-port", fmt.Sprint(p.cmd.StreamPort),
	}
	if p.cmd.CamoufoxProxy != "" {
		args = append(args, "--internal-camoufox-proxy", p.cmd.CamoufoxProxy)
	}
	if p.cmd.Helper {
		args = append(args, "--helper")
	}

	c := exec.Command(p.cmd.Executable, args...)
	if err := c.Start(); err != nil {
		return fmt.Errorf("workerpool: failed to start worker %s: %w", id, err)
	}
	w.cmd = c
	w.status = StatusRunning
	w.spawnID = uuid.NewString()
	log.WithFields(log.Fields{"worker_id": id, "spawn_id": w.spawnID, "port": w.Port}).Info("workerpool: started worker")
	return nil
}

// Stop terminates worker_id's process: SIGTERM then a 5s grace period
// then SIGKILL, or the platform's process-tree kill on Windows, per spec
// §4.4.
func (p *Pool) Stop(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("workerpool: worker %s not found", id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusRunning || w.cmd == nil || w.cmd.Process == nil {
		w.status = StatusStopped
		return nil
	}

	if runtime.GOOS == "windows" {
		kill := exec.Command("taskkill", "/PID", fmt.Sprint(w.cmd.Process.Pid), "/T", "/F")
		_ = kill.Run()
	} else {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan error, 1)
		go func() { done <- w.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = w.cmd.Process.Kill()
			<-done
		}
	}

	w.cmd = nil
	w.status = StatusStopped
	log.Infof("workerpool: stopped worker %s", id)
	return nil
}

// GetWorkerForModel implements spec §4.4's selection algorithm exactly:
// filter to running workers with model not in their (lazily-expired)
// rate-limited set, then round-robin via a monotonically increasing
// index.
func (p *Pool) GetWorkerForModel(model string) *Worker {
	p.mu.Lock()
	all := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	p.mu.Unlock()

	var candidates []*Worker
	for _, w := range all {
		if w.Status() != StatusRunning {
			continue
		}
		if model != "" && p.rl != nil && p.rl.IsLimited(w.ID, model) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}

	idx := atomic.AddUint64(&p.rrIndex, 1) - 1
	return candidates[idx%uint64(len(candidates))]
}

// MarkRateLimited quarantines (worker_id, model) for the configured
// recovery duration (spec §4.4's mark(worker_id, model, now+RECOVERY)).
func (p *Pool) MarkRateLimited(workerID, model string) {
	if p.rl == nil {
		return
	}
	p.rl.Mark(workerID, model, p.recoveryDuration())
	log.Warnf("workerpool: worker %s rate limited for model %s", workerID, model)
}

// ClearRateLimits clears every rate-limit entry for worker_id.
func (p *Pool) ClearRateLimits(workerID string) {
	if p.rl != nil {
		p.rl.Clear(workerID)
	}
}

// IncrementRequestCount bumps the observability-only request counter.
func (p *Pool) IncrementRequestCount(workerID string) {
	p.mu.Lock()
	w := p.workers[workerID]
	p.mu.Unlock()
	if w != nil {
		atomic.AddInt64(&w.requestCount, 1)
	}
}

// WorkerStatusView describes one worker for the management API / CLI.
type WorkerStatusView struct {
	ID               string   `json:"id"`
	Profile          string   `json:"profile"`
	Port             int      `json:"port"`
	BrowserDebugPort int      `json:"camoufox_port"`
	Status           Status   `json:"status"`
	RequestCount     int64    `json:"request_count"`
	RateLimited      []string `json:"rate_limited_models"`
	SpawnID          string   `json:"spawn_id,omitempty"`
}

// GetStatus lists every worker's current view.
func (p *Pool) GetStatus() []WorkerStatusView {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerStatusView, 0, len(p.workers))
	for _, w := range p.workers {
		var limited []string
		if p.rl != nil {
			limited = p.rl.LimitedModels(w.ID)
		}
		out = append(out, WorkerStatusView{
			ID: w.ID, Profile: w.ProfileName, Port: w.Port, BrowserDebugPort: w.BrowserDebugPort,
			Status: w.Status(), RequestCount: w.RequestCount(), RateLimited: limited, SpawnID: w.SpawnID(),
		})
	}
	return out
}

// StartAll starts every registered worker, logging (not failing) on any
// individual error.
func (p *Pool) StartAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.Start(id); err != nil {
			log.WithError(err).Warnf("workerpool: failed to start %s", id)
		}
	}
}

// StopAll stops every registered worker.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		if err := p.Stop(id); err != nil {
			log.WithError(err).Warnf("workerpool: failed to stop %s", id)
		}
	}
}
