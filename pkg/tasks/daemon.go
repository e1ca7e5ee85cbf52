package tasks

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// DefaultPollInterval is how often the daemon evaluates active
// records.
const DefaultPollInterval = 10 * time.Second

// instantLayouts are the accepted one-shot schedule forms, tried in
// order.
var instantLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

func parseInstant(s string) (time.Time, error) {
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized instant %q", s)
}

// Daemon polls the task store and executes due records through the
// object runtime.
type Daemon struct {
	store    *Store
	rt       *runtime.Runtime
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewDaemon creates a task daemon. interval <= 0 means
// DefaultPollInterval.
func NewDaemon(store *Store, rt *runtime.Runtime, interval time.Duration) *Daemon {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Daemon{
		store:    store,
		rt:       rt,
		interval: interval,
		logger:   log.WithComponent("tasks"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (d *Daemon) Start() {
	go d.run()
}

// Stop terminates the polling loop.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

func (d *Daemon) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.Poll(); err != nil {
				d.logger.Error().Err(err).Msg("Task poll failed")
			}
		case <-d.stopCh:
			return
		}
	}
}

// Poll runs one evaluation pass over the active records.
func (d *Daemon) Poll() error {
	active, err := d.store.ListActive()
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	now := time.Now()
	for _, rec := range active {
		switch rec.Type {
		case types.TaskCron:
			d.pollCron(rec, now)
		case types.TaskOnetime:
			d.pollOnetime(rec, now)
		}
	}
	return nil
}

// pollCron executes the record when a scheduled instant has passed
// since last_run. The instant after last_run being <= now is exactly
// "the most recent scheduled instant <= now is later than last_run",
// so a given cron instant never fires twice. last_run = 0 means never
// ran: the first poll catches up with one run.
func (d *Daemon) pollCron(rec *types.TaskRecord, now time.Time) {
	sched, err := parseCron(rec.Schedule)
	if err != nil {
		d.recordFailure(rec, fmt.Errorf("invalid cron expression: %w", err))
		return
	}

	lastRun := time.Unix(0, int64(rec.LastRun*float64(time.Second)))
	next := sched.Next(lastRun)
	if next.IsZero() || next.After(now) {
		return
	}

	execErr := d.execute(rec)
	rec.LastRun = types.Now()
	rec.RunCount++
	if execErr != nil {
		rec.ErrorCount++
		rec.LastError = execErr.Error()
		if rec.MaxAttempts > 0 && rec.ErrorCount >= rec.MaxAttempts {
			rec.Status = types.TaskFailed
		}
	}
	if err := d.store.Update(rec); err != nil {
		d.logger.Error().Err(err).Str("task_id", rec.ID).Msg("Failed to update task record")
	}
}

// pollOnetime executes the record once its instant has passed and
// transitions it to completed so it never runs again.
func (d *Daemon) pollOnetime(rec *types.TaskRecord, now time.Time) {
	instant, err := parseInstant(rec.Schedule)
	if err != nil {
		d.recordFailure(rec, fmt.Errorf("invalid schedule instant: %w", err))
		return
	}
	if now.Before(instant) {
		return
	}

	execErr := d.execute(rec)
	rec.LastRun = types.Now()
	rec.RunCount++
	rec.Status = types.TaskCompleted
	if execErr != nil {
		rec.ErrorCount++
		rec.LastError = execErr.Error()
	}
	if err := d.store.Update(rec); err != nil {
		d.logger.Error().Err(err).Str("task_id", rec.ID).Msg("Failed to update task record")
	}
}

// execute loads the target object and invokes the declared method with
// the task's payload.
func (d *Daemon) execute(rec *types.TaskRecord) error {
	req := runtime.Request{}
	for k, v := range rec.Payload {
		req[k] = v
	}

	_, err := d.rt.Execute(rec.ObjectID, rec.Method, req)
	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(string(rec.Type), "error").Inc()
		d.logger.Warn().Err(err).
			Str("task_id", rec.ID).
			Str("object_id", rec.ObjectID).
			Str("method", rec.Method).
			Msg("Task execution failed")
		return err
	}

	metrics.ScheduledRuns.WithLabelValues(string(rec.Type), "ok").Inc()
	d.logger.Info().
		Str("task_id", rec.ID).
		Str("object_id", rec.ObjectID).
		Str("method", rec.Method).
		Msg("Task executed")
	return nil
}

// recordFailure notes a non-executable record. The expression was
// validated at creation, so this only happens to records written by
// an older binary.
func (d *Daemon) recordFailure(rec *types.TaskRecord, err error) {
	rec.ErrorCount++
	rec.LastError = err.Error()
	rec.Status = types.TaskFailed
	if uerr := d.store.Update(rec); uerr != nil {
		d.logger.Error().Err(uerr).Str("task_id", rec.ID).Msg("Failed to update task record")
	}
}
