// Package daqhub is a real-time acquisition and control hub. It reads a
// data acquisition bridge at its hardware rate, evaluates user expressions
// once per control cycle and drives digital and analog outputs from the
// results.
//
// # Overview
//
// The pipeline runs as independent periodic tasks:
//
//   - acquire: reads sample blocks from the bridge, filters them into the
//     sample ring and forwards frames to the scope.
//   - control: takes the latest sample, runs sub-evaluators (PID loops)
//     and the expression registry, then queues the resulting writes.
//   - write: drains the queue, coalesces intents per channel and applies
//     only changed values to the bridge.
//   - scope: searches buffered frames for trigger edges and publishes
//     sweeps to listeners.
//
// Writes issued in one control cycle are applied by the write task, so an
// expression reading an output sees the value it wrote on the previous
// cycle.
//
// # Quick Start
//
//	registry := daqhub.NewRegistry(nil)
//	registry.Add(daqhub.ExpressionDef{
//		Name:    "fill",
//		Source:  `IF "AI:Tank" < 1 THEN "DO:Pump" = 1 ELSE "DO:Pump" = 0`,
//		Enabled: true,
//	})
//
//	bridge := hardware.NewSimulator(simCfg)
//	engine := daqhub.NewEngine(bridge, registry, daqhub.DefaultEngineConfig(), logger)
//	if err := engine.Start(ctx); err != nil {
//		return err
//	}
//	defer engine.Stop()
//
// # Expression Language
//
// Signals are quoted as "KIND:Name", where KIND is one of AI, AO, DO, TC,
// PID, MATH, LE or EXPR. PID outputs expose properties such as
// "PID:Loop".SP. Only DO and AO signals may be assigned.
//
//	level = "AI:Tank"                 // local, lives for one evaluation
//	static.count = static.count + 1   // global, committed on success
//	IF level > 4 AND NOT "DO:Alarm" THEN
//	  "DO:Pump" = 0
//	ENDIF
//
// Functions: sin, cos, tan, abs, exp, sqrt, log, min, max, clamp.
// Arithmetic never produces NaN or infinity; such results become 0.
//
// # Limits
//
// The registry bounds the number of expressions, the node count of each
// compiled tree and the source length (see RegistryLimits). Each control
// cycle runs under EngineConfig.EvalTimeout.
package daqhub
