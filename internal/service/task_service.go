package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

// taskRepository abstracts task persistence.
type taskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	FindByID(ctx context.Context, id string) (*models.Task, error)
	List(ctx context.Context, filter models.TaskFilter) ([]models.Task, int, error)
	Update(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id string) error
}

// TaskService is the thin downstream CRUD collaborator behind the
// authentication core. Tasks are scoped to their owner.
type TaskService struct {
	repo      taskRepository
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
}

// NewTaskService constructs a TaskService.
func NewTaskService(repo taskRepository, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *TaskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &TaskService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// Create stores a new task for the owner.
func (s *TaskService) Create(ctx context.Context, ownerID string, req models.TaskRequest) (*models.Task, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid task payload")
	}

	status := req.Status
	if status == "" {
		status = models.TaskStatusTodo
	}
	task := &models.Task{
		Title:       req.Title,
		Description: req.Description,
		Status:      status,
		OwnerID:     ownerID,
		DueDate:     req.DueDate,
	}
	if err := s.repo.Create(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create task")
	}
	s.invalidate(ctx, ownerID)
	return task, nil
}

// Get returns a task if it belongs to the owner.
func (s *TaskService) Get(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	task, err := s.find(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// List returns the owner's tasks with pagination metadata, serving from cache
// when possible.
func (s *TaskService) List(ctx context.Context, filter models.TaskFilter) ([]models.Task, *models.Pagination, error) {
	type cachedList struct {
		Tasks      []models.Task     `json:"tasks"`
		Pagination models.Pagination `json:"pagination"`
	}

	key := s.listCacheKey(filter)
	if s.cache.Enabled() {
		var cached cachedList
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return cached.Tasks, &cached.Pagination, nil
		}
	}

	tasks, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list tasks")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}

	if s.cache.Enabled() {
		_ = s.cache.Set(ctx, key, cachedList{Tasks: tasks, Pagination: *pagination}, 0)
	}
	return tasks, pagination, nil
}

// Update modifies a task owned by the caller.
func (s *TaskService) Update(ctx context.Context, ownerID, taskID string, req models.TaskRequest) (*models.Task, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid task payload")
	}

	task, err := s.find(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}

	task.Title = req.Title
	task.Description = req.Description
	if req.Status != "" {
		task.Status = req.Status
	}
	task.DueDate = req.DueDate

	if err := s.repo.Update(ctx, task); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update task")
	}
	s.invalidate(ctx, ownerID)
	return task, nil
}

// Delete removes a task owned by the caller.
func (s *TaskService) Delete(ctx context.Context, ownerID, taskID string) error {
	if _, err := s.find(ctx, ownerID, taskID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, taskID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete task")
	}
	s.invalidate(ctx, ownerID)
	return nil
}

func (s *TaskService) find(ctx context.Context, ownerID, taskID string) (*models.Task, error) {
	task, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "task not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load task")
	}
	if task.OwnerID != ownerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "task does not belong to user")
	}
	return task, nil
}

func (s *TaskService) listCacheKey(filter models.TaskFilter) string {
	status := "all"
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	return fmt.Sprintf("tasks:%s:%s:%d:%d", filter.OwnerID, status, filter.Page, filter.PageSize)
}

func (s *TaskService) invalidate(ctx context.Context, ownerID string) {
	if !s.cache.Enabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, fmt.Sprintf("tasks:%s:*", ownerID)); err != nil {
		s.logger.Warn("failed to invalidate task cache", zap.String("owner", ownerID), zap.Error(err))
	}
}
