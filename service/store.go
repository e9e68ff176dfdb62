package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// Repository persists tasks and everything hanging off them. Lookups of
// unknown task ids return an error matching ErrNotFound.
type Repository interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	// SaveEntities writes only the extracted entities and their timestamp.
	SaveEntities(ctx context.Context, taskID string, entities model.Entities, at time.Time) error
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)

	SaveFile(ctx context.Context, file *model.File) error
	GetFile(ctx context.Context, taskID string) (*model.File, error)
	UpdateFileText(ctx context.Context, taskID, text string) error

	// SaveRoleConfirmation stores the task fields and appends the role record together.
	SaveRoleConfirmation(ctx context.Context, task *model.Task, record model.RoleRecord) error
	ListRoles(ctx context.Context, taskID string) ([]model.RoleRecord, error)

	ReplaceParagraphs(ctx context.Context, taskID string, paragraphs []model.Paragraph) error
	ListParagraphs(ctx context.Context, taskID string) ([]model.Paragraph, error)

	// CompleteTask writes the findings batch and the task's terminal state in one step.
	CompleteTask(ctx context.Context, task *model.Task, findings []model.RiskFinding) error
	ListFindings(ctx context.Context, taskID string) ([]model.RiskFinding, error)

	Close() error
}

// MemoryStore is an in-memory Repository.
// In production, use SQLiteStore instead.
type MemoryStore struct {
	mu         sync.RWMutex
	tasks      map[string]*model.Task
	files      map[string]*model.File
	roles      map[string][]model.RoleRecord
	paragraphs map[string][]model.Paragraph
	findings   map[string][]model.RiskFinding
	maxTasks   int // Maximum tasks to keep, 0 = unlimited
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates a store that evicts the oldest tasks beyond maxTasks.
func NewMemoryStore(maxTasks int) *MemoryStore {
	if maxTasks < 0 {
		maxTasks = 0
	}
	return &MemoryStore{
		tasks:      make(map[string]*model.Task),
		files:      make(map[string]*model.File),
		roles:      make(map[string][]model.RoleRecord),
		paragraphs: make(map[string][]model.Paragraph),
		findings:   make(map[string][]model.RiskFinding),
		maxTasks:   maxTasks,
	}
}

func (s *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return invalidInputf("task %s already exists", task.ID)
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task.Clone()

	s.cleanupIfNeeded()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, notFoundf("task %s not found", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return notFoundf("task %s not found", task.ID)
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) SaveEntities(_ context.Context, taskID string, entities model.Entities, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return notFoundf("task %s not found", taskID)
	}
	e := entities.Normalize()
	t.Entities = &e
	t.ExtractedAt = &at
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Task
	for _, t := range s.tasks {
		if filter.Owner != "" && t.Owner != filter.Owner {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*model.Task{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) SaveFile(_ context.Context, file *model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[file.TaskID]; !ok {
		return notFoundf("task %s not found", file.TaskID)
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now()
	}
	f := *file
	s.files[file.TaskID] = &f
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, taskID string) (*model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[taskID]
	if !ok {
		return nil, notFoundf("no file found for task %s", taskID)
	}
	c := *f
	return &c, nil
}

func (s *MemoryStore) UpdateFileText(_ context.Context, taskID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[taskID]
	if !ok {
		return notFoundf("no file found for task %s", taskID)
	}
	f.Text = text
	return nil
}

func (s *MemoryStore) SaveRoleConfirmation(_ context.Context, task *model.Task, record model.RoleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return notFoundf("task %s not found", task.ID)
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = task.Clone()

	record.PartyNames = append([]string(nil), record.PartyNames...)
	s.roles[task.ID] = append(s.roles[task.ID], record)
	return nil
}

func (s *MemoryStore) ListRoles(_ context.Context, taskID string) ([]model.RoleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RoleRecord(nil), s.roles[taskID]...), nil
}

func (s *MemoryStore) ReplaceParagraphs(_ context.Context, taskID string, paragraphs []model.Paragraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return notFoundf("task %s not found", taskID)
	}
	s.paragraphs[taskID] = append([]model.Paragraph(nil), paragraphs...)
	return nil
}

func (s *MemoryStore) ListParagraphs(_ context.Context, taskID string) ([]model.Paragraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Paragraph(nil), s.paragraphs[taskID]...), nil
}

func (s *MemoryStore) CompleteTask(_ context.Context, task *model.Task, findings []model.RiskFinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		return notFoundf("task %s not found", task.ID)
	}
	task.UpdatedAt = time.Now()
	s.tasks[task.ID] = task.Clone()
	s.findings[task.ID] = append([]model.RiskFinding(nil), findings...)
	return nil
}

func (s *MemoryStore) ListFindings(_ context.Context, taskID string) ([]model.RiskFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.RiskFinding(nil), s.findings[taskID]...), nil
}

func (s *MemoryStore) Close() error { return nil }

// Count returns the number of tasks in the store
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// cleanupIfNeeded drops the oldest tasks beyond maxTasks along with their
// files, roles, paragraphs and findings.
// Must be called with lock held
func (s *MemoryStore) cleanupIfNeeded() {
	if s.maxTasks <= 0 || len(s.tasks) <= s.maxTasks {
		return
	}

	tasks := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	removeCount := len(tasks) - s.maxTasks
	for i := 0; i < removeCount; i++ {
		id := tasks[i].ID
		slog.Info("evicting old task", "task_id", id, "created_at", tasks[i].CreatedAt)
		delete(s.tasks, id)
		delete(s.files, id)
		delete(s.roles, id)
		delete(s.paragraphs, id)
		delete(s.findings, id)
	}
}
