package daqhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/tevino/abool/v2"

	"github.com/chosenoffset/daqhub/pkg/daqhub/actions"
	"github.com/chosenoffset/daqhub/pkg/daqhub/hardware"
	"github.com/chosenoffset/daqhub/pkg/daqhub/metrics"
	"github.com/chosenoffset/daqhub/pkg/daqhub/scope"
)

// maxLoggedReadErrors bounds how many acquisition read failures are logged
// individually; later ones are only counted.
const maxLoggedReadErrors = 5

// EngineConfig holds the pipeline rates and sizes.
type EngineConfig struct {
	ControlRateHz float64
	WriteRateHz   float64

	RingCapacity int
	QueueLimit   int
	ScopeQueue   int

	MinBlockSize     int
	MinBlockInterval time.Duration
	MaxBlockInterval time.Duration
	ReadRetryDelay   time.Duration

	EvalTimeout   time.Duration
	StopTimeout   time.Duration
	StatsInterval time.Duration

	// Channels names the hardware channels (AI, AO, DO, TC) and any
	// externally supplied MATH/LE outputs.
	Channels map[ChannelKind][]string
	// Cutoffs holds a low-pass cutoff in Hz per AI channel; 0 disables it.
	Cutoffs []float64
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ControlRateHz:    100,
		WriteRateHz:      200,
		RingCapacity:     100000,
		QueueLimit:       4096,
		ScopeQueue:       64,
		MinBlockSize:     10,
		MinBlockInterval: 5 * time.Millisecond,
		MaxBlockInterval: 100 * time.Millisecond,
		ReadRetryDelay:   10 * time.Millisecond,
		EvalTimeout:      50 * time.Millisecond,
		StopTimeout:      2 * time.Second,
		StatsInterval:    5 * time.Second,
	}
}

// CycleReport is what one control cycle publishes.
type CycleReport struct {
	Type        string      `json:"type"`
	Time        float64     `json:"time"`
	Sample      int64       `json:"sample"`
	Expressions []Telemetry `json:"expressions"`
	Controllers []SubResult `json:"controllers"`
	Writes      int         `json:"writes"`
}

// SensorValues is the latest state of every channel.
type SensorValues struct {
	Time   float64     `json:"time"`
	Sample int64       `json:"sample"`
	AI     []float64   `json:"ai"`
	AO     []float64   `json:"ao"`
	DO     []bool      `json:"do"`
	TC     []float64   `json:"tc"`
	PID    []PIDOutput `json:"pid"`
	Math   []float64   `json:"math"`
	Logic  []float64   `json:"logic"`
	Expr   []float64   `json:"expr"`
}

// MarshalJSON encodes disconnected thermocouples as null.
func (v SensorValues) MarshalJSON() ([]byte, error) {
	type values SensorValues
	return json.Marshal(struct {
		values
		TC []*float64 `json:"tc"`
	}{values(v), hardware.Readings(v.TC)})
}

// EngineStats is the pipeline health summary.
type EngineStats struct {
	Running       bool                `json:"running"`
	Error         string              `json:"error,omitempty"`
	Acquired      uint64              `json:"acquired"`
	Dropped       uint64              `json:"dropped"`
	ReadErrors    uint64              `json:"read_errors"`
	SkippedCycles uint64              `json:"skipped_cycles"`
	ScopeDropped  uint64              `json:"scope_dropped"`
	QueueDropped  uint64              `json:"queue_dropped"`
	Writer        actions.WriterStats `json:"writer"`
	Scope         scope.Stats         `json:"scope"`
	Tasks         map[string]string   `json:"tasks"`
	Metrics       metrics.Snapshot    `json:"metrics"`
}

// Engine wires acquisition, control and hardware writes together. Each runs
// as its own Task; they communicate only through the sample ring and the
// intent queue.
type Engine struct {
	cfg      EngineConfig
	bridge   hardware.Bridge
	registry *Registry
	logger   *slog.Logger

	ring    *SampleRing
	queue   *actions.Queue
	writer  *actions.Writer
	filters *LowPassBank
	scope   *scope.Processor

	acquire   *Task
	control   *Task
	write     *Task
	scopeTask *Task
	scopeCh   chan []scope.Frame

	subMu sync.RWMutex
	subs  []SubEvaluator

	// Owned by the acquisition goroutine.
	nextBlock   time.Time
	sampleIndex int64

	stateMu sync.Mutex
	state   SensorValues

	buttonsMu sync.RWMutex
	buttons   map[string]float64

	layoutMu  sync.Mutex
	layout    *ChannelLayout
	layoutKey string

	listenerMu     sync.RWMutex
	cycleListeners []func(CycleReport)
	sweepListeners []func(scope.Sweep)

	running   *abool.AtomicBool
	scheduler gocron.Scheduler
	collector *metrics.Collector

	fatalMu sync.Mutex
	fatal   error
	onFatal func(error)

	readErrors    atomic.Uint64
	skippedCycles atomic.Uint64
	scopeDropped  atomic.Uint64
}

func NewEngine(bridge hardware.Bridge, registry *Registry, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	defaults := DefaultEngineConfig()
	if cfg.ControlRateHz <= 0 {
		cfg.ControlRateHz = defaults.ControlRateHz
	}
	if cfg.WriteRateHz <= 0 {
		cfg.WriteRateHz = defaults.WriteRateHz
	}
	if cfg.ScopeQueue <= 0 {
		cfg.ScopeQueue = defaults.ScopeQueue
	}
	if cfg.MinBlockSize <= 0 {
		cfg.MinBlockSize = defaults.MinBlockSize
	}
	if cfg.MaxBlockInterval <= 0 {
		cfg.MaxBlockInterval = defaults.MaxBlockInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = defaults.StatsInterval
	}

	e := &Engine{
		cfg:       cfg,
		bridge:    bridge,
		registry:  registry,
		logger:    logger,
		ring:      NewSampleRing(cfg.RingCapacity),
		queue:     actions.NewQueue(cfg.QueueLimit),
		filters:   NewLowPassBank(bridge.SampleRate(), cfg.Cutoffs),
		scopeCh:   make(chan []scope.Frame, cfg.ScopeQueue),
		buttons:   make(map[string]float64),
		running:   abool.New(),
		collector: metrics.NewCollector(0),
	}

	handlers := actions.NewRegistry()
	handlers.RegisterHandler(actions.DigitalWrite, actions.HandlerFunc(func(i actions.Intent) error {
		return bridge.WriteDigital(i.Channel, i.Value >= 1)
	}))
	handlers.RegisterHandler(actions.AnalogWrite, actions.HandlerFunc(func(i actions.Intent) error {
		return bridge.WriteAnalog(i.Channel, i.Value)
	}))
	e.writer = actions.NewWriter(handlers, logger.With("task", "write"))
	e.writer.OnApplied(e.mirror)

	e.scope = scope.NewProcessor(scope.SinkFunc(e.publishSweep), logger)

	e.acquire = NewTask("acquire", 0, e.acquireStep, logger)
	e.control = NewTask("control", periodOf(cfg.ControlRateHz), e.controlStep, logger)
	e.write = NewTask("write", periodOf(cfg.WriteRateHz), e.writeStep, logger)
	e.scopeTask = NewTask("scope", 0, e.scopeStep, logger)
	for _, t := range e.tasks() {
		t.OnPanic(e.fail)
		e.collector.AddLoop(t.Timer())
	}

	e.collector.AddCounter("samples_acquired", e.ring.Pushed)
	e.collector.AddCounter("samples_dropped", e.ring.Dropped)
	e.collector.AddCounter("read_errors", e.readErrors.Load)
	e.collector.AddCounter("control_skipped", e.skippedCycles.Load)
	e.collector.AddCounter("writes", func() uint64 { return e.writer.Stats().Written })
	e.collector.AddCounter("sweeps", func() uint64 { return e.scope.Stats().Sweeps })

	return e
}

func periodOf(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

func (e *Engine) tasks() []*Task {
	return []*Task{e.acquire, e.control, e.write, e.scopeTask}
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Scope() *scope.Processor { return e.scope }

func (e *Engine) Config() EngineConfig { return e.cfg }

// AddSubEvaluator registers a controller evaluated before the expressions
// on every control cycle.
func (e *Engine) AddSubEvaluator(s SubEvaluator) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subs = append(e.subs, s)
}

// OnCycle registers a listener for control cycle reports. Listeners run on
// the control goroutine and must not block.
func (e *Engine) OnCycle(fn func(CycleReport)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.cycleListeners = append(e.cycleListeners, fn)
}

// OnSweep registers a listener for scope sweeps. Listeners run on the scope
// goroutine and must not block.
func (e *Engine) OnSweep(fn func(scope.Sweep)) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.sweepListeners = append(e.sweepListeners, fn)
}

// OnFatal registers the callback invoked when a task panics.
func (e *Engine) OnFatal(fn func(error)) {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	e.onFatal = fn
}

// Err returns the fatal error that stopped a task, if any.
func (e *Engine) Err() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	return e.fatal
}

// Start launches every task. Start is idempotent - calling it multiple times
// has no effect.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.SetToIf(false, true) {
		return nil
	}

	rate := e.bridge.SampleRate()
	e.filters.Configure(rate, e.cfg.Cutoffs)
	e.scope.SetHardwareRate(rate)
	e.seedOutputs()
	e.nextBlock = time.Time{}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		e.running.UnSet()
		return fmt.Errorf("creating stats scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(gocron.DurationJob(e.cfg.StatsInterval), gocron.NewTask(e.logStats)); err != nil {
		e.running.UnSet()
		return fmt.Errorf("scheduling stats job: %w", err)
	}
	scheduler.Start()
	e.scheduler = scheduler

	for _, t := range e.tasks() {
		t.Start(ctx)
	}
	e.logger.Info("engine started",
		"sample_rate", rate, "control_hz", e.cfg.ControlRateHz, "write_hz", e.cfg.WriteRateHz)
	return nil
}

// Stop halts every task, letting each finish its current pass, then flushes
// intents still queued. The final flush is skipped when the write task did
// not stop in time, since it may still be inside a bridge call. Stop is
// idempotent.
func (e *Engine) Stop() error {
	if !e.running.SetToIf(true, false) {
		return nil
	}

	var errs []error
	writeStopped := true
	for _, t := range e.tasks() {
		if err := t.Stop(e.cfg.StopTimeout); err != nil {
			errs = append(errs, err)
			if t == e.write {
				writeStopped = false
			}
		}
	}
	if writeStopped {
		e.writeStep(context.Background())
	} else {
		e.logger.Warn("skipping final flush", "task", "write", "queued", e.queue.Len())
	}

	if e.scheduler != nil {
		if err := e.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("stopping stats scheduler: %w", err))
		}
		e.scheduler = nil
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) IsRunning() bool { return e.running.IsSet() }

// TaskStates reports every task's lifecycle state by name.
func (e *Engine) TaskStates() map[string]string {
	states := make(map[string]string, 4)
	for _, t := range e.tasks() {
		states[t.Name()] = t.State().String()
	}
	return states
}

func (e *Engine) fail(err error) {
	e.fatalMu.Lock()
	if e.fatal == nil {
		e.fatal = err
	}
	onFatal := e.onFatal
	e.fatalMu.Unlock()

	e.logger.Error("fatal pipeline error", "error", err)
	if onFatal != nil {
		onFatal(err)
	}
}

// seedOutputs loads the current output state from the hardware so the
// first control cycle and the writer agree with it.
func (e *Engine) seedOutputs() {
	do := e.bridge.SnapshotDigital()
	ao := e.bridge.SnapshotAnalog()

	e.stateMu.Lock()
	e.state.DO = do
	e.state.AO = ao
	e.stateMu.Unlock()

	seed := make([]actions.Intent, 0, len(do)+len(ao))
	for ch, on := range do {
		seed = append(seed, actions.Digital(ch, "", on))
	}
	for ch, v := range ao {
		seed = append(seed, actions.Analog(ch, "", v))
	}
	e.writer.Reset()
	e.writer.Seed(seed...)
}

// blockInterval is the wall-clock span of one acquisition block. It shrinks
// while the scope is displaying so sweeps arrive with low latency.
func (e *Engine) blockInterval() time.Duration {
	interval := e.cfg.MaxBlockInterval
	if e.scope.Enabled() {
		fast := e.scope.SweepDuration() / 4
		if fast < e.cfg.MinBlockInterval {
			fast = e.cfg.MinBlockInterval
		}
		if fast < interval {
			interval = fast
		}
	}
	return interval
}

func blockSize(rateHz float64, interval time.Duration, minSize int) int {
	n := int(math.Round(rateHz * interval.Seconds()))
	if n < minSize {
		return minSize
	}
	return n
}

func (e *Engine) acquireStep(ctx context.Context) {
	rate := e.bridge.SampleRate()
	interval := e.blockInterval()
	n := blockSize(rate, interval, e.cfg.MinBlockSize)
	blockDur := time.Duration(float64(n) / rate * float64(time.Second))

	now := time.Now()
	if e.nextBlock.IsZero() {
		e.nextBlock = now.Add(blockDur)
	}
	if !sleepCtx(ctx, e.nextBlock.Sub(now)) {
		return
	}

	block, err := e.bridge.ReadAnalogBlock(ctx, n)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if count := e.readErrors.Add(1); count <= maxLoggedReadErrors {
			e.logger.Warn("analog read failed", "task", "acquire", "error", err, "count", count)
		}
		sleepCtx(ctx, e.cfg.ReadRetryDelay)
		return
	}

	tc, err := e.bridge.ReadThermocouples(ctx)
	if err != nil && ctx.Err() == nil {
		if count := e.readErrors.Add(1); count <= maxLoggedReadErrors {
			e.logger.Warn("thermocouple read failed", "task", "acquire", "error", err, "count", count)
		}
	}

	for _, frame := range block {
		e.filters.ApplyFrame(frame)
		e.ring.Push(Sample{
			Index: e.sampleIndex,
			Time:  float64(e.sampleIndex) / rate,
			AI:    frame,
			TC:    tc,
		})
		e.sampleIndex++
	}

	e.nextBlock = e.nextBlock.Add(blockDur)
	if time.Since(e.nextBlock) > interval {
		// Too far behind to catch up; restart pacing from now.
		e.nextBlock = time.Now()
	}
}

func (e *Engine) controlStep(ctx context.Context) {
	samples := e.ring.Drain()
	if len(samples) == 0 {
		e.skippedCycles.Add(1)
		return
	}

	latest := samples[len(samples)-1]
	snapshot := e.snapshot(latest)
	e.forwardToScope(samples, snapshot)

	controllers, writes := e.runSubEvaluators(snapshot)

	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.EvalTimeout)
	cycle := e.registry.Evaluate(evalCtx, snapshot, e.cfg.ControlRateHz)
	cancel()

	writes = append(writes, cycle.Writes...)
	e.queue.Push(writes...)
	e.storeOutputs(snapshot)

	e.publishCycle(CycleReport{
		Type:        "telemetry",
		Time:        snapshot.Time,
		Sample:      snapshot.Sample,
		Expressions: cycle.Telemetry,
		Controllers: controllers,
		Writes:      len(writes),
	})
}

// snapshot records the latest sample as current sensor state and returns a
// private copy of everything for this cycle.
func (e *Engine) snapshot(latest Sample) *SignalSnapshot {
	e.stateMu.Lock()
	e.state.AI = latest.AI
	if latest.TC != nil {
		e.state.TC = latest.TC
	}
	e.state.Time = latest.Time
	e.state.Sample = latest.Index
	snap := &SignalSnapshot{
		AI:     append([]float64(nil), e.state.AI...),
		AO:     append([]float64(nil), e.state.AO...),
		DO:     append([]bool(nil), e.state.DO...),
		TC:     append([]float64(nil), e.state.TC...),
		PID:    append([]PIDOutput(nil), e.state.PID...),
		Math:   append([]float64(nil), e.state.Math...),
		Logic:  append([]float64(nil), e.state.Logic...),
		Time:   latest.Time,
		Sample: latest.Index,
	}
	e.stateMu.Unlock()

	snap.Layout = e.currentLayout()

	e.buttonsMu.RLock()
	snap.Buttons = make(map[string]float64, len(e.buttons))
	for k, v := range e.buttons {
		snap.Buttons[k] = v
	}
	e.buttonsMu.RUnlock()
	return snap
}

func (e *Engine) forwardToScope(samples []Sample, snapshot *SignalSnapshot) {
	frames := make([]scope.Frame, len(samples))
	for i, s := range samples {
		frames[i] = scope.Frame{Time: s.Time, AI: s.AI, AO: snapshot.AO, DO: snapshot.DO, TC: s.TC}
	}
	select {
	case e.scopeCh <- frames:
	default:
		// Drop if channel is full
		e.scopeDropped.Add(uint64(len(frames)))
	}
}

func (e *Engine) scopeStep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case frames := <-e.scopeCh:
		e.scope.Process(frames, time.Now())
	}
}

// runSubEvaluators steps every controller and publishes their outputs into
// snapshot so expressions see this cycle's values.
func (e *Engine) runSubEvaluators(snapshot *SignalSnapshot) ([]SubResult, []actions.Intent) {
	e.subMu.RLock()
	subs := append([]SubEvaluator(nil), e.subs...)
	e.subMu.RUnlock()

	var (
		results []SubResult
		writes  []actions.Intent
		pid     []PIDOutput
		mathOut []float64
		logic   []float64
	)
	for _, sub := range subs {
		for _, r := range sub.Evaluate(snapshot) {
			switch sub.Kind() {
			case PIDOut:
				if r.PID != nil {
					pid = append(pid, *r.PID)
				} else {
					pid = append(pid, PIDOutput{Output: r.Output})
				}
			case MathOut:
				mathOut = append(mathOut, r.Output)
			case LogicOut:
				logic = append(logic, r.Output)
			}
			if r.Err != "" {
				e.logger.Debug("controller error", "task", "control", "name", r.Name, "error", r.Err)
			}
			writes = append(writes, r.Writes...)
			results = append(results, r)
		}
	}
	if len(subs) > 0 {
		snapshot.PID = pid
		if len(e.cfg.Channels[MathOut]) == 0 {
			snapshot.Math = mathOut
		}
		if len(e.cfg.Channels[LogicOut]) == 0 {
			snapshot.Logic = logic
		}
	}
	return results, writes
}

func (e *Engine) storeOutputs(snapshot *SignalSnapshot) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.state.PID = snapshot.PID
	e.state.Math = snapshot.Math
	e.state.Logic = snapshot.Logic
	e.state.Expr = append([]float64(nil), snapshot.Expr...)
}

// currentLayout returns the channel layout, rebuilding it when the set of
// controller names changed.
func (e *Engine) currentLayout() *ChannelLayout {
	e.subMu.RLock()
	names := map[ChannelKind][]string{}
	for _, sub := range e.subs {
		names[sub.Kind()] = append(names[sub.Kind()], sub.Names()...)
	}
	e.subMu.RUnlock()

	var key strings.Builder
	for _, kind := range []ChannelKind{PIDOut, MathOut, LogicOut} {
		key.WriteString(string(kind))
		key.WriteByte('=')
		key.WriteString(strings.Join(names[kind], "\x00"))
		key.WriteByte(';')
	}

	e.layoutMu.Lock()
	defer e.layoutMu.Unlock()
	if e.layout != nil && e.layoutKey == key.String() {
		return e.layout
	}
	all := make(map[ChannelKind][]string, len(e.cfg.Channels)+len(names))
	for kind, list := range e.cfg.Channels {
		all[kind] = list
	}
	for kind, list := range names {
		all[kind] = append(append([]string(nil), all[kind]...), list...)
	}
	e.layout = NewChannelLayout(all)
	e.layoutKey = key.String()
	return e.layout
}

func (e *Engine) writeStep(ctx context.Context) {
	intents := e.queue.Drain()
	if len(intents) == 0 {
		return
	}
	result := e.writer.Flush(intents)
	if len(result.Written) > 0 {
		e.logger.Debug("outputs written", "task", "write",
			"written", len(result.Written), "unchanged", result.Unchanged, "failed", result.Failed)
	}
}

// mirror copies a successful write into the sensor state so the next
// control cycle observes it.
func (e *Engine) mirror(intent actions.Intent) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	switch intent.Kind {
	case actions.DigitalWrite:
		for len(e.state.DO) <= intent.Channel {
			e.state.DO = append(e.state.DO, false)
		}
		e.state.DO[intent.Channel] = intent.Value >= 1
	case actions.AnalogWrite:
		for len(e.state.AO) <= intent.Channel {
			e.state.AO = append(e.state.AO, 0)
		}
		e.state.AO[intent.Channel] = hardware.ClampVolts(intent.Value)
	}
}

// WriteDigital queues an operator write to the named digital output.
func (e *Engine) WriteDigital(name string, on bool) error {
	ch, ok := e.currentLayout().Index().Lookup(DigitalOut, name)
	if !ok {
		return fmt.Errorf("digital output %q: %w", name, ErrNotFound)
	}
	intent := actions.Digital(ch, name, on)
	intent.Source = "manual"
	e.queue.Push(intent)
	return nil
}

// WriteAnalog queues an operator write to the named analog output.
func (e *Engine) WriteAnalog(name string, volts float64) error {
	if math.IsNaN(volts) || math.IsInf(volts, 0) {
		return fmt.Errorf("invalid voltage %v", volts)
	}
	ch, ok := e.currentLayout().Index().Lookup(AnalogOut, name)
	if !ok {
		return fmt.Errorf("analog output %q: %w", name, ErrNotFound)
	}
	intent := actions.Analog(ch, name, volts)
	intent.Source = "manual"
	e.queue.Push(intent)
	return nil
}

func (e *Engine) SetButton(name string, value float64) {
	e.buttonsMu.Lock()
	defer e.buttonsMu.Unlock()
	e.buttons[name] = value
}

func (e *Engine) Buttons() map[string]float64 {
	e.buttonsMu.RLock()
	defer e.buttonsMu.RUnlock()
	out := make(map[string]float64, len(e.buttons))
	for k, v := range e.buttons {
		out[k] = v
	}
	return out
}

// Layout returns the current channel names, including controller and
// expression outputs.
func (e *Engine) Layout() map[ChannelKind][]string {
	layout := e.currentLayout()
	out := make(map[ChannelKind][]string, len(channelKinds))
	for _, kind := range channelKinds {
		out[kind] = append([]string(nil), layout.Names(kind)...)
	}
	out[ExprOut] = e.registry.Names()
	return out
}

// Latest returns a copy of the most recent sensor state.
func (e *Engine) Latest() SensorValues {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return SensorValues{
		Time:   e.state.Time,
		Sample: e.state.Sample,
		AI:     append([]float64(nil), e.state.AI...),
		AO:     append([]float64(nil), e.state.AO...),
		DO:     append([]bool(nil), e.state.DO...),
		TC:     append([]float64(nil), e.state.TC...),
		PID:    append([]PIDOutput(nil), e.state.PID...),
		Math:   append([]float64(nil), e.state.Math...),
		Logic:  append([]float64(nil), e.state.Logic...),
		Expr:   append([]float64(nil), e.state.Expr...),
	}
}

// Snapshot builds a snapshot of the latest state, suitable for trial
// evaluations outside the control cycle.
func (e *Engine) Snapshot() *SignalSnapshot {
	latest := e.Latest()
	e.buttonsMu.RLock()
	buttons := make(map[string]float64, len(e.buttons))
	for k, v := range e.buttons {
		buttons[k] = v
	}
	e.buttonsMu.RUnlock()
	return &SignalSnapshot{
		Layout:  e.currentLayout(),
		AI:      latest.AI,
		AO:      latest.AO,
		DO:      latest.DO,
		TC:      latest.TC,
		PID:     latest.PID,
		Math:    latest.Math,
		Logic:   latest.Logic,
		Expr:    latest.Expr,
		Time:    latest.Time,
		Sample:  latest.Sample,
		Buttons: buttons,
	}
}

func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Running:       e.running.IsSet(),
		Acquired:      e.ring.Pushed(),
		Dropped:       e.ring.Dropped(),
		ReadErrors:    e.readErrors.Load(),
		SkippedCycles: e.skippedCycles.Load(),
		ScopeDropped:  e.scopeDropped.Load(),
		QueueDropped:  e.queue.Dropped(),
		Writer:        e.writer.Stats(),
		Scope:         e.scope.Stats(),
		Tasks:         e.TaskStates(),
		Metrics:       e.collector.GetCurrent(),
	}
	if err := e.Err(); err != nil {
		stats.Error = err.Error()
	}
	return stats
}

func (e *Engine) logStats() {
	snap := e.collector.Collect()
	attrs := []any{
		"acquired_per_s", math.Round(snap.Rates["samples_acquired"]),
		"dropped", snap.Counters["samples_dropped"],
		"read_errors", snap.Counters["read_errors"],
		"writes", snap.Counters["writes"],
		"sweeps", snap.Counters["sweeps"],
		"heap_mb", math.Round(snap.HeapAllocMB()*10) / 10,
	}
	if control, ok := snap.Loop("control"); ok {
		attrs = append(attrs, "control_avg", control.AvgCycle, "control_overruns", control.Overruns)
	}
	e.logger.Info("pipeline stats", attrs...)
}

func (e *Engine) publishCycle(report CycleReport) {
	e.listenerMu.RLock()
	listeners := e.cycleListeners
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(report)
	}
}

func (e *Engine) publishSweep(sweep scope.Sweep) {
	e.listenerMu.RLock()
	listeners := e.sweepListeners
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(sweep)
	}
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
