package runtime

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

// Start launches the periodic scheduler loop. It sweeps once a second
// and invokes every registration whose next_run has passed. Errors in
// a scheduled invocation land in the object's own log and never stop
// the loop.
func (rt *Runtime) Start() {
	go rt.schedulerLoop()
}

// Stop terminates the scheduler loop.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
}

func (rt *Runtime) schedulerLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rt.sweep()
		case <-rt.stopCh:
			return
		}
	}
}

// sweep runs one scheduler pass. Due registrations are collected under
// the schedule lock, then invoked outside it so a slow handler cannot
// block Schedule/Unschedule calls from other handlers.
func (rt *Runtime) sweep() {
	now := types.Now()

	var due []types.Schedule
	rt.schedMu.Lock()
	for _, methods := range rt.schedules {
		for _, s := range methods {
			if s.NextRun <= now {
				due = append(due, *s)
				s.NextRun = now + s.Interval
			}
		}
	}
	rt.schedMu.Unlock()

	for _, s := range due {
		rt.runScheduled(s)
	}
}

func (rt *Runtime) runScheduled(s types.Schedule) {
	obj, err := rt.Load(s.ObjectID, false)
	if err != nil {
		rt.logger.Error().Err(err).
			Str("object_id", s.ObjectID).
			Str("method", s.Method).
			Msg("Scheduled object failed to load")
		metrics.ScheduledRuns.WithLabelValues("periodic", "error").Inc()
		return
	}

	fn, ok := obj.Def.Methods[s.Method]
	if !ok {
		obj.Ctx.Log.Error(fmt.Sprintf("Scheduled method %s not found", s.Method), map[string]string{
			"method": s.Method,
		})
		metrics.ScheduledRuns.WithLabelValues("periodic", "error").Inc()
		return
	}

	if _, err := rt.invoke(obj, fn, Request{}); err != nil {
		obj.Ctx.Log.Error(fmt.Sprintf("Scheduled %s failed: %v", s.Method, err), map[string]string{
			"method": s.Method,
		})
		metrics.ScheduledRuns.WithLabelValues("periodic", "error").Inc()
		return
	}
	metrics.ScheduledRuns.WithLabelValues("periodic", "ok").Inc()
}

// Schedule registers a periodic invocation. Re-registering the same
// (object, method) replaces the interval and resets next_run.
func (rt *Runtime) Schedule(objectID, method string, intervalSeconds float64) {
	if intervalSeconds <= 0 {
		return
	}
	rt.schedMu.Lock()
	defer rt.schedMu.Unlock()

	methods, ok := rt.schedules[objectID]
	if !ok {
		methods = make(map[string]*types.Schedule)
		rt.schedules[objectID] = methods
	}
	methods[method] = &types.Schedule{
		ObjectID: objectID,
		Method:   method,
		Interval: intervalSeconds,
		NextRun:  types.Now() + intervalSeconds,
	}
}

// Unschedule cancels one registration, or every registration of the
// object when method is empty.
func (rt *Runtime) Unschedule(objectID, method string) {
	rt.schedMu.Lock()
	defer rt.schedMu.Unlock()

	if method == "" {
		delete(rt.schedules, objectID)
		return
	}
	if methods, ok := rt.schedules[objectID]; ok {
		delete(methods, method)
		if len(methods) == 0 {
			delete(rt.schedules, objectID)
		}
	}
}

// Schedules returns the object's active periodic registrations sorted
// by method name.
func (rt *Runtime) Schedules(objectID string) []types.Schedule {
	rt.schedMu.Lock()
	defer rt.schedMu.Unlock()

	out := make([]types.Schedule, 0, len(rt.schedules[objectID]))
	for _, s := range rt.schedules[objectID] {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}
