// Package main builds the embeddable C library (go build
// -buildmode=c-shared). Engines live behind opaque uint64 handles with a
// strict create/free pairing; every entry point validates its handle, so
// a double free or stale handle reports an error instead of touching a
// dead engine.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
	"unsafe"

	"kestrel/config"
	"kestrel/internal/bootstrap"
	"kestrel/internal/engine"
	"kestrel/internal/logger"
	"kestrel/internal/rules"
	"kestrel/internal/runtime"
	"kestrel/internal/transform/wire"
)

// Status codes returned to C callers.
const (
	statusOK            = 0
	statusBadHandle     = -1
	statusCompileError  = -2
	statusBadEvent      = -3
	statusQueueFull     = -4
	statusInternalError = -5
)

type instance struct {
	sys     *bootstrap.System
	decoder *wire.Decoder
}

var (
	mu         sync.Mutex
	engines    = map[uint64]*instance{}
	nextHandle uint64
)

func lookup(h C.uint64_t) (*instance, bool) {
	mu.Lock()
	defer mu.Unlock()
	inst, ok := engines[uint64(h)]
	return inst, ok
}

// setDiag copies a diagnostic to the caller, who frees it with
// kestrel_string_free.
func setDiag(out **C.char, msg string) {
	if out != nil {
		*out = C.CString(msg)
	}
}

//export kestrel_engine_new
// kestrel_engine_new creates an engine from a YAML config file (NULL for
// defaults) and starts it. Returns an opaque handle, 0 on failure.
func kestrel_engine_new(configPath *C.char) C.uint64_t {
	var kcfg config.KestrelConfig
	if configPath != nil {
		cfg, err := config.LoadConfig(C.GoString(configPath))
		if err != nil {
			return 0
		}
		kcfg = cfg.Kestrel
	}
	bootstrap.ApplyDefaults(&kcfg)
	// Embedders own stdout; alerts are returned through process_event.
	kcfg.Alerts.Sinks = nil
	if err := logger.Init(kcfg.Logging.Enabled, kcfg.Logging.Level, kcfg.Logging.File, kcfg.Logging.Console); err != nil {
		return 0
	}

	sys, err := bootstrap.New(kcfg)
	if err != nil {
		return 0
	}
	if kcfg.Rules.Dir != "" {
		if _, err := os.Stat(kcfg.Rules.Dir); err == nil {
			if _, err := rules.LoadDir(sys.Registry, kcfg.Rules.Dir); err != nil {
				return 0
			}
		}
	}
	sys.Start()

	mu.Lock()
	defer mu.Unlock()
	nextHandle++
	h := nextHandle
	engines[h] = &instance{sys: sys, decoder: wire.NewDecoder(sys.Schema)}
	return C.uint64_t(h)
}

//export kestrel_engine_free
// kestrel_engine_free stops and releases an engine. Returns statusOK, or
// statusBadHandle for an unknown or already freed handle.
func kestrel_engine_free(h C.uint64_t) C.int {
	mu.Lock()
	inst, ok := engines[uint64(h)]
	if ok {
		delete(engines, uint64(h))
	}
	mu.Unlock()
	if !ok {
		return statusBadHandle
	}
	inst.sys.Stop()
	return statusOK
}

//export kestrel_load_rule
// kestrel_load_rule compiles and loads one rule from a manifest file
// path. On failure *diag (when non-NULL) receives the compiler
// diagnostic; free it with kestrel_string_free.
func kestrel_load_rule(h C.uint64_t, manifestPath *C.char, diag **C.char) C.int {
	inst, ok := lookup(h)
	if !ok {
		return statusBadHandle
	}
	if manifestPath == nil {
		setDiag(diag, "manifest path is NULL")
		return statusCompileError
	}
	if err := rules.LoadFile(inst.sys.Registry, C.GoString(manifestPath)); err != nil {
		setDiag(diag, err.Error())
		var compileErr *runtime.CompileError
		if errors.As(err, &compileErr) {
			return statusCompileError
		}
		return statusInternalError
	}
	return statusOK
}

//export kestrel_unload_rule
// kestrel_unload_rule removes a rule by id.
func kestrel_unload_rule(h C.uint64_t, ruleID *C.char) C.int {
	inst, ok := lookup(h)
	if !ok {
		return statusBadHandle
	}
	if ruleID == nil {
		return statusInternalError
	}
	if err := inst.sys.Registry.Unload(C.GoString(ruleID)); err != nil {
		return statusInternalError
	}
	return statusOK
}

//export kestrel_process_event
// kestrel_process_event runs one wire-format JSON event through the
// engine and waits for its alerts. On success it returns the alert count
// and, when alerts were produced and out is non-NULL, stores a JSON
// array in *out; free it with kestrel_alerts_free. Negative returns are
// status codes.
func kestrel_process_event(h C.uint64_t, eventJSON *C.char, out **C.char) C.int {
	inst, ok := lookup(h)
	if !ok {
		return statusBadHandle
	}
	if eventJSON == nil {
		return statusBadEvent
	}

	ev, err := inst.decoder.Decode([]byte(C.GoString(eventJSON)))
	if err != nil {
		return statusBadEvent
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alerts, err := inst.sys.Engine.ProcessEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			return statusQueueFull
		}
		return statusInternalError
	}

	if len(alerts) > 0 && out != nil {
		doc, err := json.Marshal(alerts)
		if err != nil {
			return statusInternalError
		}
		*out = C.CString(string(doc))
	}
	return C.int(len(alerts))
}

//export kestrel_alerts_free
// kestrel_alerts_free releases an alert document returned by
// kestrel_process_event.
func kestrel_alerts_free(doc *C.char) {
	if doc != nil {
		C.free(unsafe.Pointer(doc))
	}
}

//export kestrel_string_free
// kestrel_string_free releases a diagnostic string.
func kestrel_string_free(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export kestrel_events_processed
func kestrel_events_processed(h C.uint64_t) C.uint64_t {
	if inst, ok := lookup(h); ok {
		return C.uint64_t(inst.sys.Metrics.EventsProcessed())
	}
	return 0
}

//export kestrel_alerts_generated
func kestrel_alerts_generated(h C.uint64_t) C.uint64_t {
	if inst, ok := lookup(h); ok {
		return C.uint64_t(inst.sys.Metrics.AlertsGenerated())
	}
	return 0
}

//export kestrel_queue_dropped
func kestrel_queue_dropped(h C.uint64_t) C.uint64_t {
	if inst, ok := lookup(h); ok {
		return C.uint64_t(inst.sys.Metrics.QueueDropped())
	}
	return 0
}

//export kestrel_rule_faults
func kestrel_rule_faults(h C.uint64_t) C.uint64_t {
	if inst, ok := lookup(h); ok {
		return C.uint64_t(inst.sys.Metrics.RuleFaults())
	}
	return 0
}

//export kestrel_rules_loaded
func kestrel_rules_loaded(h C.uint64_t) C.int {
	if inst, ok := lookup(h); ok {
		return C.int(inst.sys.Registry.Snapshot().Len())
	}
	return statusBadHandle
}

//export kestrel_uptime_seconds
func kestrel_uptime_seconds(h C.uint64_t) C.uint64_t {
	if inst, ok := lookup(h); ok {
		return C.uint64_t(inst.sys.Engine.Status().Uptime / time.Second)
	}
	return 0
}

func main() {}
