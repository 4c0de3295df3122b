package commissioning

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/knxmgmt/internal/audit"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

const (
	// DefaultRunTimeout bounds one run, including the programming button wait.
	DefaultRunTimeout = 15 * time.Minute

	// DefaultHistory is the number of finished runs kept for lookup.
	DefaultHistory = 100

	// MaxReadCount is the largest memory read that fits a standard frame.
	MaxReadCount = 12

	journalTimeout = 5 * time.Second
)

// Action names a procedure.
type Action string

const (
	ActionProbe         Action = audit.ActionProbe
	ActionAssignAddress Action = audit.ActionAssignAddress
	ActionMemoryBit     Action = audit.ActionMemoryBit
	ActionReadMemory    Action = audit.ActionReadMemory
)

// ParseAction accepts the action names used on the wire.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionProbe, ActionAssignAddress, ActionMemoryBit, ActionReadMemory:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, s)
	}
}

// State is the lifecycle state of a run.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Request describes one procedure.
type Request struct {
	Action  Action
	Address telegram.IndividualAddress

	// Mode is used by ActionMemoryBit.
	Mode prog.Mode

	// Offset and Count are used by ActionReadMemory.
	Offset uint16
	Count  uint8

	Source string
	UserID string
}

func (r Request) validate() error {
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if r.Address.IsZero() {
		return fmt.Errorf("%w: device address 0.0.0", ErrInvalidRequest)
	}
	if r.Action == ActionMemoryBit && r.Mode != prog.ModeOn && r.Mode != prog.ModeOff {
		return fmt.Errorf("%w: mode %s", ErrInvalidRequest, r.Mode)
	}
	if r.Action == ActionReadMemory && (r.Count == 0 || r.Count > MaxReadCount) {
		return fmt.Errorf("%w: count must be 1..%d", ErrInvalidRequest, MaxReadCount)
	}
	if r.Source == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidRequest)
	}
	return nil
}

// Run is the observable record of one procedure.
type Run struct {
	ID         string     `json:"id"`
	Action     Action     `json:"action"`
	Address    string     `json:"address"`
	Source     string     `json:"source"`
	State      State      `json:"state"`
	Result     string     `json:"result,omitempty"`
	Data       string     `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// Finished reports whether the run has ended.
func (r Run) Finished() bool {
	return r.State == StateDone || r.State == StateFailed
}

// Manager runs the procedures. *prog.NetworkManagement implements it.
type Manager interface {
	ConnectManagedDevice(ctx context.Context, address telegram.IndividualAddress) (prog.Result, error)
	DisconnectManagedDevice(ctx context.Context)
	WriteIndividualAddress(ctx context.Context, address telegram.IndividualAddress) (prog.Result, error)
	ReadModifyWriteMemoryBit(ctx context.Context, address telegram.IndividualAddress, mode prog.Mode) (prog.Result, error)
	ReadMemory(ctx context.Context, address telegram.IndividualAddress, offset uint16, count uint8) ([]byte, error)
}

// Sink is told about every run when it starts and when it ends.
type Sink interface {
	RunUpdated(run Run)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(run Run)

// RunUpdated calls f.
func (f SinkFunc) RunUpdated(run Run) { f(run) }

// DurationRecorder records run durations. *influxdb.Client implements it.
type DurationRecorder interface {
	WriteRunDuration(action, result string, d time.Duration)
}

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// RunnerOptions configures a Runner. Manager is required.
type RunnerOptions struct {
	Manager Manager
	Groups  GroupWriter
	Journal audit.Repository
	Metrics DurationRecorder
	Logger  Logger

	RunTimeout time.Duration
	History    int
}

// Runner serialises procedures and keeps their history.
//
// Thread Safety: all methods are safe for concurrent use.
type Runner struct {
	manager Manager
	groups  GroupWriter
	journal audit.Repository
	metrics DurationRecorder
	timeout time.Duration
	history int

	mu      sync.Mutex
	active  string
	runs    map[string]*Run
	order   []string
	sinks   []Sink
	closed  bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	nowFunc func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		manager: opts.Manager,
		groups:  opts.Groups,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		timeout: opts.RunTimeout,
		history: opts.History,
		runs:    make(map[string]*Run),
		ctx:     ctx,
		cancel:  cancel,
		nowFunc: time.Now,
	}, nil
}

// SetLogger replaces the runner's logger.
func (r *Runner) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Runner) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

// AddSink registers a sink for run updates.
func (r *Runner) AddSink(s Sink) {
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Run executes req and returns the finished run. Procedure failures are
// reported in the run, not as an error; the error is for requests that
// could not start.
func (r *Runner) Run(ctx context.Context, req Request) (Run, error) {
	run, err := r.begin(req)
	if err != nil {
		return Run{}, err
	}
	return r.execute(ctx, run.ID, req), nil
}

// Start begins req in the background and returns the running run.
// Poll Get or watch a sink for the outcome.
func (r *Runner) Start(req Request) (Run, error) {
	run, err := r.begin(req)
	if err != nil {
		return Run{}, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(r.ctx, run.ID, req)
	}()
	return run, nil
}

// Get returns the run with id.
func (r *Runner) Get(id string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return *run, nil
}

// Runs returns the kept runs, newest first.
func (r *Runner) Runs() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, *r.runs[r.order[i]])
	}
	return out
}

// Busy reports whether a run is in progress.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != ""
}

// Close cancels a background run and waits for it to end.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) begin(req Request) (Run, error) {
	if err := req.validate(); err != nil {
		return Run{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Run{}, ErrClosed
	}
	if r.active != "" {
		active := r.active
		r.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s", ErrBusy, active)
	}

	run := &Run{
		ID:        uuid.NewString(),
		Action:    req.Action,
		Address:   req.Address.String(),
		Source:    req.Source,
		State:     StateRunning,
		StartedAt: r.nowFunc().UTC(),
	}
	r.active = run.ID
	r.runs[run.ID] = run
	r.order = append(r.order, run.ID)
	r.evictLocked()
	snapshot := *run
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()

	r.logInfo("run started", "run_id", run.ID, "action", string(req.Action), "address", run.Address, "source", req.Source)
	notify(sinks, snapshot)
	return snapshot, nil
}

// evictLocked drops the oldest finished runs beyond the history size.
func (r *Runner) evictLocked() {
	for len(r.order) > r.history {
		oldest := r.order[0]
		if oldest == r.active {
			return
		}
		delete(r.runs, oldest)
		r.order = r.order[1:]
	}
}

func (r *Runner) execute(ctx context.Context, id string, req Request) Run {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := r.nowFunc()
	result, data, err := r.perform(ctx, req)
	elapsed := r.nowFunc().Sub(start)

	r.mu.Lock()
	run := r.runs[id]
	finished := start.Add(elapsed).UTC()
	run.FinishedAt = &finished
	run.DurationMS = elapsed.Milliseconds()
	if result != prog.ResultUnknown {
		run.Result = result.String()
	}
	if data != nil {
		run.Data = hex.EncodeToString(data)
	}
	run.State = StateDone
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
	}
	r.active = ""
	snapshot := *run
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()

	if err != nil {
		r.logWarn("run failed", "run_id", id, "action", string(req.Action), "address", snapshot.Address, "error", err)
	} else {
		r.logInfo("run finished", "run_id", id, "action", string(req.Action), "address", snapshot.Address, "result", snapshot.Result)
	}

	r.journalRun(snapshot, req.UserID)
	if r.metrics != nil {
		tag := snapshot.Result
		if err != nil {
			tag = "error"
		}
		r.metrics.WriteRunDuration(string(req.Action), tag, elapsed)
	}
	notify(sinks, snapshot)
	return snapshot
}

func (r *Runner) perform(ctx context.Context, req Request) (prog.Result, []byte, error) {
	switch req.Action {
	case ActionProbe:
		defer r.manager.DisconnectManagedDevice(ctx)
		result, err := r.manager.ConnectManagedDevice(ctx, req.Address)
		return result, nil, err

	case ActionAssignAddress:
		defer r.manager.DisconnectManagedDevice(ctx)
		result, err := r.manager.WriteIndividualAddress(ctx, req.Address)
		return result, nil, err

	case ActionMemoryBit:
		result, err := r.manager.ReadModifyWriteMemoryBit(ctx, req.Address, req.Mode)
		return result, nil, err

	case ActionReadMemory:
		defer r.manager.DisconnectManagedDevice(ctx)
		result, err := r.manager.ConnectManagedDevice(ctx, req.Address)
		if err != nil || result != prog.ResultOK {
			return result, nil, err
		}
		data, err := r.manager.ReadMemory(ctx, req.Address, req.Offset, req.Count)
		if err != nil {
			return prog.ResultUnknown, nil, err
		}
		return prog.ResultOK, data, nil
	}
	return prog.ResultUnknown, nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
}

func (r *Runner) journalRun(run Run, userID string) {
	if r.journal == nil {
		return
	}
	details := map[string]any{
		"run_id":      run.ID,
		"result":      run.Result,
		"duration_ms": run.DurationMS,
	}
	if run.Error != "" {
		details["error"] = run.Error
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := r.journal.Create(ctx, &audit.Entry{
		Action:     string(run.Action),
		EntityType: audit.EntityDevice,
		EntityID:   run.Address,
		UserID:     userID,
		Source:     run.Source,
		Details:    details,
	})
	if err != nil {
		r.logError("journal run failed", "run_id", run.ID, "error", err)
	}
}

func notify(sinks []Sink, run Run) {
	for _, s := range sinks {
		s.RunUpdated(run)
	}
}

func (r *Runner) logInfo(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (r *Runner) logWarn(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (r *Runner) logError(msg string, keysAndValues ...any) {
	if l := r.getLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
