package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"taskmaster/core"
	"taskmaster/handlers/auth"
	"taskmaster/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateTaskRequest struct {
		Title      string   `json:"title"`
		SharedWith []string `json:"sharedWith"`
	}

	UpdateTaskRequest struct {
		Title  *string      `json:"title"`
		Status *core.Status `json:"status"`
	}

	ShareTaskRequest struct {
		TaskID string `json:"taskId"`
		UserID string `json:"userId"`
	}

	ListTasksResponse struct {
		Tasks       []*core.TaskDetail `json:"tasks"`
		TotalTasks  int                `json:"totalTasks"`
		TotalPages  int                `json:"totalPages"`
		CurrentPage int                `json:"currentPage"`
	}

	// SyncService is the slice of the synchronization protocol the REST
	// surface drives: every mutation that other users must learn about
	// goes through it so the notification fan-out happens exactly once,
	// after the storage commit.
	SyncService interface {
		Share(ctx context.Context, taskID, actorID, targetID string) (*core.TaskDetail, error)
		Update(ctx context.Context, taskID, actorID string, upd core.TaskUpdate) (*core.Task, error)
		Delete(ctx context.Context, taskID, actorID string) (bool, error)
	}
)

// renderError maps the store/protocol failure taxonomy onto HTTP
// status codes.
func renderError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		render.Status(r, http.StatusNotFound)
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, core.ErrForbidden):
		render.Status(r, http.StatusForbidden)
	case errors.Is(err, core.ErrConflict):
		render.Status(r, http.StatusBadRequest)
	default:
		logrus.WithError(err).Error(msg)
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, map[string]string{"error": msg})
}

func HandleCreate(store stores.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Task title is required"})
			return
		}

		task := &core.Task{
			Title:      req.Title,
			OwnerID:    claims.Subject,
			SharedWith: req.SharedWith,
		}
		if err := store.CreateTask(r.Context(), task); err != nil {
			if errors.Is(err, core.ErrConflict) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"message": "Task with the same title already exists"})
				return
			}
			logrus.WithError(err).Error("Failed to create task")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Failed to create task"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, task)
	}
}

func HandleList(store stores.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		filter := core.TaskFilter{
			Search: r.URL.Query().Get("search"),
		}
		filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
		filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
		if filter.Page < 1 {
			filter.Page = 1
		}
		if filter.Limit < 1 {
			filter.Limit = 5
		}

		tasks, total, err := store.ListTasks(r.Context(), claims.Subject, filter)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":  err,
				"userID": claims.Subject,
			}).Error("Failed to list tasks")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"message": "Failed to fetch tasks"})
			return
		}

		// Resolve owner display names once per distinct owner.
		names := map[string]string{}
		details := make([]*core.TaskDetail, 0, len(tasks))
		for _, task := range tasks {
			name, ok := names[task.OwnerID]
			if !ok {
				if owner, err := store.FindUser(r.Context(), task.OwnerID); err == nil {
					name = owner.Name
				} else {
					name = "Unknown"
				}
				names[task.OwnerID] = name
			}
			details = append(details, task.Detail(name))
		}

		totalPages := (total + filter.Limit - 1) / filter.Limit
		render.JSON(w, r, ListTasksResponse{
			Tasks:       details,
			TotalTasks:  total,
			TotalPages:  totalPages,
			CurrentPage: filter.Page,
		})
	}
}

func HandleUpdate(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		id := chi.URLParam(r, "id")
		var req UpdateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		task, err := svc.Update(r.Context(), id, claims.Subject, core.TaskUpdate{
			Title:  req.Title,
			Status: req.Status,
		})
		if err != nil {
			renderError(w, r, err, "Failed to update task")
			return
		}
		render.JSON(w, r, map[string]*core.Task{"task": task})
	}
}

func HandleDelete(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		id := chi.URLParam(r, "id")
		removed, err := svc.Delete(r.Context(), id, claims.Subject)
		if err != nil {
			renderError(w, r, err, "Failed to delete task")
			return
		}

		if removed {
			render.JSON(w, r, map[string]string{"message": "Task deleted successfully"})
		} else {
			render.JSON(w, r, map[string]string{"message": "Task successfully unshared"})
		}
	}
}

func HandleShare(svc SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, map[string]string{"error": "User claims not found"})
			return
		}

		var req ShareTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" || req.UserID == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "taskId and userId are required"})
			return
		}

		detail, err := svc.Share(r.Context(), req.TaskID, claims.Subject, req.UserID)
		if err != nil {
			renderError(w, r, err, "Failed to share task")
			return
		}

		render.JSON(w, r, map[string]any{
			"message": "Task shared successfully and email notification sent",
			"task":    detail,
		})
	}
}
