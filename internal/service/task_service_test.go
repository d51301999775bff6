package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

type mockTaskRepo struct {
	tasks map[string]*models.Task
}

func newMockTaskRepo() *mockTaskRepo {
	return &mockTaskRepo{tasks: make(map[string]*models.Task)}
}

func (m *mockTaskRepo) Create(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *mockTaskRepo) FindByID(ctx context.Context, id string) (*models.Task, error) {
	task, ok := m.tasks[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *task
	return &copied, nil
}

func (m *mockTaskRepo) List(ctx context.Context, filter models.TaskFilter) ([]models.Task, int, error) {
	var out []models.Task
	for _, task := range m.tasks {
		if task.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != nil && task.Status != *filter.Status {
			continue
		}
		out = append(out, *task)
	}
	return out, len(out), nil
}

func (m *mockTaskRepo) Update(ctx context.Context, task *models.Task) error {
	m.tasks[task.ID] = task
	return nil
}

func (m *mockTaskRepo) Delete(ctx context.Context, id string) error {
	delete(m.tasks, id)
	return nil
}

func newTaskFixture() (*TaskService, *mockTaskRepo) {
	repo := newMockTaskRepo()
	return NewTaskService(repo, nil, nil, zap.NewNop()), repo
}

func TestTaskServiceCreateDefaultsStatus(t *testing.T) {
	svc, _ := newTaskFixture()

	task, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "write report"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusTodo, task.Status)
	assert.Equal(t, "user-1", task.OwnerID)
}

func TestTaskServiceCreateRequiresTitle(t *testing.T) {
	svc, _ := newTaskFixture()

	_, err := svc.Create(context.Background(), "user-1", models.TaskRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestTaskServiceGetScopedToOwner(t *testing.T) {
	svc, _ := newTaskFixture()

	task, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "mine"})
	require.NoError(t, err)

	got, err := svc.Get(context.Background(), "user-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Title)

	_, err = svc.Get(context.Background(), "user-2", task.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestTaskServiceGetMissing(t *testing.T) {
	svc, _ := newTaskFixture()

	_, err := svc.Get(context.Background(), "user-1", "nope")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestTaskServiceListFiltersByOwnerAndStatus(t *testing.T) {
	svc, _ := newTaskFixture()

	_, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "a"})
	require.NoError(t, err)
	done, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "b", Status: models.TaskStatusDone})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "user-2", models.TaskRequest{Title: "c"})
	require.NoError(t, err)

	tasks, pagination, err := svc.List(context.Background(), models.TaskFilter{OwnerID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, 2, pagination.TotalCount)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)

	status := models.TaskStatusDone
	tasks, _, err = svc.List(context.Background(), models.TaskFilter{OwnerID: "user-1", Status: &status})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, done.ID, tasks[0].ID)
}

func TestTaskServiceUpdateForbiddenForOtherOwner(t *testing.T) {
	svc, _ := newTaskFixture()

	task, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "before"})
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), "user-2", task.ID, models.TaskRequest{Title: "hijack"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))

	updated, err := svc.Update(context.Background(), "user-1", task.ID, models.TaskRequest{Title: "after", Status: models.TaskStatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, models.TaskStatusInProgress, updated.Status)
}

func TestTaskServiceDelete(t *testing.T) {
	svc, repo := newTaskFixture()

	task, err := svc.Create(context.Background(), "user-1", models.TaskRequest{Title: "ephemeral"})
	require.NoError(t, err)

	require.Error(t, svc.Delete(context.Background(), "user-2", task.ID))
	require.NoError(t, svc.Delete(context.Background(), "user-1", task.ID))
	_, ok := repo.tasks[task.ID]
	assert.False(t, ok)
}
