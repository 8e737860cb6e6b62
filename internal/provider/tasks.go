package provider

import (
	"context"

	tasksapi "google.golang.org/api/tasks/v1"

	"dayboard/internal/apperr"
	appLog "dayboard/internal/log"
	"dayboard/internal/model"
)

const pageSize = 100

// TaskFetcher reads and mutates Google Tasks.
type TaskFetcher struct {
	api *Google
}

func NewTaskFetcher(api *Google) *TaskFetcher {
	return &TaskFetcher{api: api}
}

func (f *TaskFetcher) listIDs(ctx context.Context, svc *tasksapi.Service) ([]string, error) {
	var ids []string
	err := svc.Tasklists.List().MaxResults(pageSize).Pages(ctx, func(page *tasksapi.TaskLists) error {
		for _, l := range page.Items {
			ids = append(ids, l.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classify("tasklists", err)
	}
	return ids, nil
}

func (f *TaskFetcher) listTasks(ctx context.Context, svc *tasksapi.Service, listID string) ([]*tasksapi.Task, error) {
	var items []*tasksapi.Task
	err := svc.Tasks.List(listID).
		ShowCompleted(true).
		ShowHidden(true).
		MaxResults(pageSize).
		Pages(ctx, func(page *tasksapi.Tasks) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, classify("tasks "+listID, err)
	}
	return items, nil
}

// FetchTasks returns the tasks of every list, completed and hidden ones
// included. Deleted tasks are dropped; nothing is filtered by date.
func (f *TaskFetcher) FetchTasks(ctx context.Context, accessToken string) ([]model.RawTask, error) {
	svc, err := f.api.tasksService(ctx, accessToken)
	if err != nil {
		return nil, classify("tasks", err)
	}
	lists, err := f.listIDs(ctx, svc)
	if err != nil {
		return nil, err
	}

	var (
		out  []model.RawTask
		errs []error
	)
	for _, listID := range lists {
		items, err := f.listTasks(ctx, svc, listID)
		if err != nil {
			appLog.Warn("provider: task list skipped", "list", listID, "err", err.Error())
			errs = append(errs, err)
			continue
		}
		for _, item := range items {
			if item.Deleted {
				continue
			}
			out = append(out, rawTask(listID, item))
		}
	}
	if len(lists) > 0 && len(errs) == len(lists) {
		return nil, apperr.Join(errs)
	}
	return out, nil
}

func rawTask(listID string, item *tasksapi.Task) model.RawTask {
	t := model.RawTask{
		ID:      item.Id,
		ListID:  listID,
		Title:   item.Title,
		Notes:   item.Notes,
		Status:  model.ParseTaskStatus(item.Status),
		Deleted: item.Deleted,
	}
	if item.Due != "" {
		if d, err := model.ParseDate(item.Due); err == nil {
			t.Due = &d
		} else {
			appLog.Warn("provider: unparsable due date", "task", item.Id, "due", item.Due)
		}
	}
	return t
}

// FindOwningListID scans the lists in order and returns the first one
// holding taskID. Lists that fail to load are skipped.
func (f *TaskFetcher) FindOwningListID(ctx context.Context, accessToken, taskID string) (string, bool, error) {
	svc, err := f.api.tasksService(ctx, accessToken)
	if err != nil {
		return "", false, classify("tasks", err)
	}
	lists, err := f.listIDs(ctx, svc)
	if err != nil {
		return "", false, err
	}
	for _, listID := range lists {
		items, err := f.listTasks(ctx, svc, listID)
		if err != nil {
			appLog.Warn("provider: task list skipped during lookup", "list", listID, "err", err.Error())
			continue
		}
		for _, item := range items {
			if item.Id == taskID {
				return listID, true, nil
			}
		}
	}
	return "", false, nil
}

// CompleteTask sets the task status to completed. Any failure comes back
// as a *apperr.TaskCompletionError.
func (f *TaskFetcher) CompleteTask(ctx context.Context, accessToken, listID, taskID string) error {
	svc, err := f.api.tasksService(ctx, accessToken)
	if err != nil {
		return &apperr.TaskCompletionError{TaskID: taskID, Err: err}
	}
	_, err = svc.Tasks.Patch(listID, taskID, &tasksapi.Task{Status: string(model.TaskCompleted)}).Context(ctx).Do()
	if err == nil {
		appLog.Info("provider: task completed", "task", taskID, "list", listID)
		return nil
	}
	err = classify("complete "+taskID, err)
	return &apperr.TaskCompletionError{TaskID: taskID, Status: apperr.StatusOf(err), Err: err}
}
