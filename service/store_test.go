package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// repositoryFactories lets the same contract tests run against every driver.
func repositoryFactories(t *testing.T) map[string]func() Repository {
	return map[string]func() Repository{
		"memory": func() Repository { return NewMemoryStore(100) },
		"sqlite": func() Repository { return newTestSQLiteStore(t) },
	}
}

func TestRepositoryTaskLifecycle(t *testing.T) {
	for name, factory := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory()
			defer repo.Close()

			task := &model.Task{ID: "task-1", Owner: "alice", Status: model.StatusPending, ContractType: "采购合同"}
			if err := repo.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask failed: %v", err)
			}

			got, err := repo.GetTask(ctx, "task-1")
			if err != nil {
				t.Fatalf("GetTask failed: %v", err)
			}
			if got.ContractType != "采购合同" || got.Status != model.StatusPending {
				t.Errorf("Unexpected task %+v", got)
			}

			now := time.Now().UTC()
			got.Status = model.StatusEntityReady
			got.Entities = &model.Entities{Companies: []string{"A公司"}}
			got.ExtractedAt = &now
			if err := repo.UpdateTask(ctx, got); err != nil {
				t.Fatalf("UpdateTask failed: %v", err)
			}

			again, _ := repo.GetTask(ctx, "task-1")
			if again.Status != model.StatusEntityReady {
				t.Errorf("Expected ENTITY_READY, got %s", again.Status)
			}
			if again.Entities == nil || len(again.Entities.Companies) != 1 || again.Entities.Persons == nil {
				t.Errorf("Expected normalized entities, got %+v", again.Entities)
			}
			if again.ExtractedAt == nil {
				t.Error("Expected extracted_at to be stored")
			}

			if _, err := repo.GetTask(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if err := repo.UpdateTask(ctx, &model.Task{ID: "missing"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on update, got %v", err)
			}
		})
	}
}

func TestRepositoryListTasks(t *testing.T) {
	for name, factory := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory()
			defer repo.Close()

			base := time.Now().Add(-time.Hour)
			for i, status := range []model.TaskStatus{model.StatusPending, model.StatusReady, model.StatusReady} {
				owner := "alice"
				if i == 2 {
					owner = "bob"
				}
				if err := repo.CreateTask(ctx, &model.Task{
					ID:        fmt.Sprintf("t%d", i),
					Owner:     owner,
					Status:    status,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}); err != nil {
					t.Fatalf("CreateTask failed: %v", err)
				}
			}

			all, err := repo.ListTasks(ctx, model.TaskFilter{})
			if err != nil {
				t.Fatalf("ListTasks failed: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("Expected 3 tasks, got %d", len(all))
			}
			if all[0].ID != "t2" {
				t.Errorf("Expected newest first, got %s", all[0].ID)
			}

			ready, _ := repo.ListTasks(ctx, model.TaskFilter{Status: model.StatusReady})
			if len(ready) != 2 {
				t.Errorf("Expected 2 READY tasks, got %d", len(ready))
			}

			alice, _ := repo.ListTasks(ctx, model.TaskFilter{Owner: "alice", Limit: 1})
			if len(alice) != 1 || alice[0].ID != "t1" {
				t.Errorf("Expected [t1] for alice limit 1, got %v", alice)
			}

			paged, _ := repo.ListTasks(ctx, model.TaskFilter{Offset: 2, Limit: 10})
			if len(paged) != 1 || paged[0].ID != "t0" {
				t.Errorf("Expected [t0] at offset 2, got %v", paged)
			}
		})
	}
}

func TestRepositoryFilesRolesFindings(t *testing.T) {
	for name, factory := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory()
			defer repo.Close()

			task := &model.Task{ID: "t1", Status: model.StatusEntityReady}
			if err := repo.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask failed: %v", err)
			}

			if _, err := repo.GetFile(ctx, "t1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound for missing file, got %v", err)
			}
			if err := repo.SaveFile(ctx, &model.File{TaskID: "t1", Filename: "c.pdf", ObjectKey: "k", FileType: "pdf", Size: 10}); err != nil {
				t.Fatalf("SaveFile failed: %v", err)
			}
			if err := repo.UpdateFileText(ctx, "t1", "合同正文"); err != nil {
				t.Fatalf("UpdateFileText failed: %v", err)
			}
			f, err := repo.GetFile(ctx, "t1")
			if err != nil || f.Text != "合同正文" || f.FileType != "pdf" {
				t.Errorf("Unexpected file %+v (err %v)", f, err)
			}

			for i, role := range []string{model.RoleBuyer, model.RoleSeller} {
				task.Role = role
				task.Status = model.StatusReady
				task.PartyNames = []string{fmt.Sprintf("P%d", i)}
				rec := model.RoleRecord{ID: fmt.Sprintf("r%d", i), TaskID: "t1", RoleKey: role, PartyNames: task.PartyNames, CreatedAt: time.Now()}
				if err := repo.SaveRoleConfirmation(ctx, task, rec); err != nil {
					t.Fatalf("SaveRoleConfirmation failed: %v", err)
				}
			}
			roles, _ := repo.ListRoles(ctx, "t1")
			if len(roles) != 2 || roles[1].RoleKey != model.RoleSeller {
				t.Errorf("Expected two role records ending with seller, got %+v", roles)
			}
			stored, _ := repo.GetTask(ctx, "t1")
			if stored.Role != model.RoleSeller || stored.PartyNames[0] != "P1" {
				t.Errorf("Expected last confirmation to win, got %s %v", stored.Role, stored.PartyNames)
			}

			paras := []model.Paragraph{
				{TaskID: "t1", Index: 0, Text: "第一段", Embedding: []float64{0.1, 0.2}},
				{TaskID: "t1", Index: 1, Text: "第二段", Embedding: []float64{0.3, 0.4}},
			}
			if err := repo.ReplaceParagraphs(ctx, "t1", paras); err != nil {
				t.Fatalf("ReplaceParagraphs failed: %v", err)
			}
			gotParas, _ := repo.ListParagraphs(ctx, "t1")
			if len(gotParas) != 2 || gotParas[1].Embedding[1] != 0.4 {
				t.Errorf("Unexpected paragraphs %+v", gotParas)
			}

			if findings, _ := repo.ListFindings(ctx, "t1"); len(findings) != 0 {
				t.Errorf("Expected no findings before completion, got %d", len(findings))
			}
			stored.Status = model.StatusCompleted
			err = repo.CompleteTask(ctx, stored, []model.RiskFinding{
				{ID: "f1", TaskID: "t1", Title: "付款", Level: model.RiskHigh, Statutes: []model.Statute{{Ref: "民法典第577条"}}},
				{ID: "f2", TaskID: "t1", Title: "交付", Level: model.RiskLow},
			})
			if err != nil {
				t.Fatalf("CompleteTask failed: %v", err)
			}
			findings, _ := repo.ListFindings(ctx, "t1")
			if len(findings) != 2 {
				t.Fatalf("Expected 2 findings, got %d", len(findings))
			}
			if len(findings[0].Statutes) != 1 || findings[0].Statutes[0].Ref != "民法典第577条" {
				t.Errorf("Expected statute on first finding, got %+v", findings[0].Statutes)
			}
			final, _ := repo.GetTask(ctx, "t1")
			if final.Status != model.StatusCompleted {
				t.Errorf("Expected COMPLETED, got %s", final.Status)
			}
		})
	}
}

func TestMemoryStoreAutoCleanup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		store.CreateTask(ctx, &model.Task{
			ID:        id,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		store.SaveFile(ctx, &model.File{TaskID: id})
	}

	if store.Count() != 3 {
		t.Errorf("Expected 3 tasks after cleanup, got %d", store.Count())
	}
	if _, err := store.GetTask(ctx, "a"); err == nil {
		t.Error("Expected oldest task 'a' to be removed")
	}
	if _, err := store.GetFile(ctx, "b"); err == nil {
		t.Error("Expected file of evicted task 'b' to be removed")
	}
}

func TestMemoryStoreUnlimited(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	for i := 0; i < 10; i++ {
		store.CreateTask(ctx, &model.Task{ID: string(rune('a' + i))})
	}
	if store.Count() != 10 {
		t.Errorf("Expected 10 tasks, got %d", store.Count())
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	store.CreateTask(ctx, &model.Task{ID: "x", Status: model.StatusPending})

	got, _ := store.GetTask(ctx, "x")
	got.Status = model.StatusFailed

	again, _ := store.GetTask(ctx, "x")
	if again.Status != model.StatusPending {
		t.Errorf("Expected stored status untouched, got %s", again.Status)
	}
}

func TestRepositorySaveEntitiesLeavesOtherFields(t *testing.T) {
	for name, factory := range repositoryFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := factory()
			defer repo.Close()

			task := &model.Task{ID: "task-1", Owner: "alice", Status: model.StatusCompleted, Role: model.RoleBuyer, PartyNames: []string{"A公司"}}
			if err := repo.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask failed: %v", err)
			}

			at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
			if err := repo.SaveEntities(ctx, "task-1", model.Entities{Companies: []string{"B公司"}}, at); err != nil {
				t.Fatalf("SaveEntities failed: %v", err)
			}

			got, _ := repo.GetTask(ctx, "task-1")
			if got.Status != model.StatusCompleted || got.Role != model.RoleBuyer || len(got.PartyNames) != 1 {
				t.Errorf("Expected status and role untouched, got %s/%s/%v", got.Status, got.Role, got.PartyNames)
			}
			if got.Entities == nil || len(got.Entities.Companies) != 1 || got.Entities.Companies[0] != "B公司" {
				t.Errorf("Expected stored entities, got %+v", got.Entities)
			}
			if got.ExtractedAt == nil || !got.ExtractedAt.Equal(at) {
				t.Errorf("Expected extracted_at %v, got %v", at, got.ExtractedAt)
			}

			if err := repo.SaveEntities(ctx, "missing", model.Entities{}, at); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}
