package daqhub

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"testing"
	"time"

	"github.com/chosenoffset/daqhub/pkg/daqhub/actions"
	"github.com/chosenoffset/daqhub/pkg/daqhub/metrics"
	"github.com/chosenoffset/daqhub/pkg/daqhub/parser"
	"github.com/chosenoffset/daqhub/pkg/daqhub/scope"
)

const benchSource = `
level = "AI:Tank"
IF level < 1 AND NOT "DO:Alarm" THEN
  "DO:Pump" = 1
ENDIF
IF level > 4 THEN
  "DO:Pump" = 0
ENDIF
static.peak = max(static.peak, level)
"AO:Valve" = clamp(level * 0.5, 0, 5)
`

// BenchmarkParse measures compiling a typical control expression.
func BenchmarkParse(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := parser.Parse(benchSource); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEval measures a single evaluation against a fixed snapshot.
func BenchmarkEval(b *testing.B) {
	program, err := parser.Parse(benchSource)
	if err != nil {
		b.Fatal(err)
	}
	snapshot := testSnapshot()
	globals := NewGlobalVariableStore()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := NewEvaluator(snapshot, globals)
		if _, err := e.Eval(program); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRegistryCycle measures one control-cycle pass over a full
// expression table.
func BenchmarkRegistryCycle(b *testing.B) {
	for _, n := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("expressions=%d", n), func(b *testing.B) {
			reg := NewRegistry(nil)
			for i := 0; i < n; i++ {
				def := ExpressionDef{Name: fmt.Sprintf("expr_%d", i), Source: benchSource, Enabled: true}
				if err := reg.Add(def); err != nil {
					b.Fatal(err)
				}
			}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				reg.Evaluate(ctx, testSnapshot(), 100)
			}
		})
	}
}

// BenchmarkRegistryCycleMemory reports heap growth across many passes.
func BenchmarkRegistryCycleMemory(b *testing.B) {
	reg := NewRegistry(nil)
	for i := 0; i < 20; i++ {
		if err := reg.Add(ExpressionDef{Name: fmt.Sprintf("expr_%d", i), Source: benchSource, Enabled: true}); err != nil {
			b.Fatal(err)
		}
	}
	ctx := context.Background()

	runtime.GC()
	var m1 runtime.MemStats
	runtime.ReadMemStats(&m1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Evaluate(ctx, testSnapshot(), 100)
	}
	b.StopTimer()

	runtime.GC()
	var m2 runtime.MemStats
	runtime.ReadMemStats(&m2)
	b.ReportMetric(float64(m2.TotalAlloc-m1.TotalAlloc)/float64(b.N), "alloc-bytes/op")
}

// BenchmarkScopeProcess feeds acquisition-sized batches of a 50 Hz sine
// through an armed auto-mode trigger.
func BenchmarkScopeProcess(b *testing.B) {
	const rate = 10000.0
	p := scope.NewProcessor(scope.SinkFunc(func(scope.Sweep) {}), nil)
	p.SetHardwareRate(rate)
	if _, err := p.Configure(scope.Update{Enabled: ptrTo(true), MaxUpdateHz: ptrTo(1000.0)}); err != nil {
		b.Fatal(err)
	}

	const batchSize = 100
	batch := make([]scope.Frame, batchSize)
	now := time.Now()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range batch {
			k := i*batchSize + j
			t := float64(k) / rate
			batch[j] = scope.Frame{Time: t, AI: []float64{math.Sin(2 * math.Pi * 50 * t)}}
		}
		now = now.Add(10 * time.Millisecond)
		p.Process(batch, now)
	}
}

// BenchmarkWriterFlush measures coalescing and applying a burst of
// intents where most values are unchanged.
func BenchmarkWriterFlush(b *testing.B) {
	registry := actions.NewRegistry()
	sink := actions.HandlerFunc(func(actions.Intent) error { return nil })
	registry.RegisterHandler(actions.DigitalWrite, sink)
	registry.RegisterHandler(actions.AnalogWrite, sink)
	w := actions.NewWriter(registry, discardLogger())

	intents := make([]actions.Intent, 0, 64)
	for i := 0; i < 32; i++ {
		intents = append(intents, actions.Digital(i%8, fmt.Sprintf("DO%d", i%8), i%2 == 0))
		intents = append(intents, actions.Analog(i%4, fmt.Sprintf("AO%d", i%4), float64(i%3)))
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Flush(intents)
	}
}

// BenchmarkMetricCollection measures a collector snapshot with the engine's
// loop timers and counters attached.
func BenchmarkMetricCollection(b *testing.B) {
	collector := metrics.NewCollector(0)
	for _, name := range []string{"acquire", "control", "write", "scope"} {
		collector.AddLoop(metrics.NewLoopTimer(name, 10*time.Millisecond))
	}
	var n uint64
	collector.AddCounter("samples_acquired", func() uint64 { return n })

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n++
		_ = collector.Collect()
	}
}
