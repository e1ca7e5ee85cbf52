package handlers

import (
	"fmt"

	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/tasks"
	"github.com/cuemby/hutch/pkg/types"
)

const schedulerSource = `// scheduler: HTTP face of the durable task records.
// GET  lists task records.
// POST action=add_task    {object, method, schedule, type, payload?, max_attempts?}
// POST action=cancel_task {task_id}
GET(ctx, req)  -> {tasks, count}
POST(ctx, req) -> add_task | cancel_task
`

// RegisterTaskScheduler registers the scheduler object against a task
// store. Unlike the other built-ins it cannot register from init: the
// store only exists once the station has a data directory.
func RegisterTaskScheduler(store *tasks.Store) {
	runtime.Register(&runtime.Definition{
		ObjectID:    "scheduler",
		Name:        "scheduler",
		Version:     "1.0",
		Description: "Durable task records: add_task, cancel_task, listing",
		Source:      schedulerSource,
		Methods: map[string]runtime.Method{
			"GET":  schedulerList(store),
			"POST": schedulerPost(store),
		},
	})
}

func schedulerList(store *tasks.Store) runtime.Method {
	return func(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
		records, err := store.List()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"tasks": records, "count": len(records)}, nil
	}
}

func schedulerPost(store *tasks.Store) runtime.Method {
	return func(ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
		switch action := req.Str("action"); action {
		case "add_task":
			return schedulerAdd(store, ctx, req)
		case "cancel_task":
			return schedulerCancel(store, ctx, req)
		default:
			return nil, fmt.Errorf("unknown action %q (expected add_task or cancel_task)", action)
		}
	}
}

func schedulerAdd(store *tasks.Store, ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	rec := &types.TaskRecord{
		ObjectID: req.Str("object"),
		Method:   req.Str("method"),
		Schedule: req.Str("schedule"),
		Type:     types.TaskType(req.Str("type")),
	}
	if rec.Type == "" {
		rec.Type = types.TaskCron
	}
	if payload, ok := req["payload"].(map[string]interface{}); ok {
		rec.Payload = payload
	}
	if v, ok := req.Float("max_attempts"); ok {
		rec.MaxAttempts = int(v)
	}

	if err := store.Create(rec); err != nil {
		return nil, err
	}
	ctx.Log.Info(fmt.Sprintf("Task %s added: %s.%s @ %s", rec.ID, rec.ObjectID, rec.Method, rec.Schedule), map[string]string{
		"task_id": rec.ID,
	})
	return map[string]interface{}{"task_id": rec.ID, "task": rec}, nil
}

func schedulerCancel(store *tasks.Store, ctx *runtime.Context, req runtime.Request) (map[string]interface{}, error) {
	id := req.Str("task_id")
	if id == "" {
		return nil, fmt.Errorf("missing task_id")
	}
	if err := store.Cancel(id); err != nil {
		return nil, err
	}
	ctx.Log.Info(fmt.Sprintf("Task %s cancelled", id), map[string]string{"task_id": id})
	return map[string]interface{}{"task_id": id, "cancelled": true}, nil
}
