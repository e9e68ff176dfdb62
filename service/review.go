package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/pkg/logger"
)

const (
	// DefaultContractType is used when the submitter gives none.
	DefaultContractType = "其他"
	// Texts this short skip entity extraction but still reach ENTITY_READY.
	minEntityExtractionRunes = 50
)

// Operations that claim a task while they write it.
const (
	opExtraction   = "extraction"
	opConfirmRoles = "role confirmation"
	opReview       = "review"
)

// ReviewDeps are the collaborators a ReviewService is built from.
// Embedder, Reports and Notifier get defaults when nil.
type ReviewDeps struct {
	Repo      Repository
	Objects   ObjectStore
	Extractor TextExtractor
	Entities  EntityExtractor
	Analyzer  RiskAnalyzer
	Embedder  Embedder
	Reports   ReportRenderer
	Notifier  *Notifier
	Pool      *WorkerPool

	// AnalysisTimeout bounds a single risk analysis call. 0 disables it.
	AnalysisTimeout time.Duration
}

// ReviewService drives tasks through the review state machine.
type ReviewService struct {
	repo      Repository
	objects   ObjectStore
	extractor TextExtractor
	entities  EntityExtractor
	analyzer  RiskAnalyzer
	embedder  Embedder
	reports   ReportRenderer
	notifier  *Notifier
	pool      *WorkerPool
	timeout   time.Duration
	now       func() time.Time

	mu   sync.Mutex
	busy map[string]string // task id -> operation holding it
}

func NewReviewService(deps ReviewDeps) *ReviewService {
	if deps.Embedder == nil {
		deps.Embedder = HashEmbedder{}
	}
	if deps.Reports == nil {
		deps.Reports = NewTemplateRenderer()
	}
	if deps.Notifier == nil {
		deps.Notifier = NewNotifier()
	}
	return &ReviewService{
		repo:      deps.Repo,
		objects:   deps.Objects,
		extractor: deps.Extractor,
		entities:  deps.Entities,
		analyzer:  deps.Analyzer,
		embedder:  deps.Embedder,
		reports:   deps.Reports,
		notifier:  deps.Notifier,
		pool:      deps.Pool,
		timeout:   deps.AnalysisTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		busy:      make(map[string]string),
	}
}

// Notifier returns the progress notifier listeners attach to.
func (s *ReviewService) Notifier() *Notifier { return s.notifier }

func (s *ReviewService) newTask(owner, contractType string) *model.Task {
	contractType = strings.TrimSpace(contractType)
	if contractType == "" {
		contractType = DefaultContractType
	}
	now := s.now()
	return &model.Task{
		ID:           uuid.NewString(),
		Owner:        owner,
		Status:       model.StatusPending,
		ContractType: contractType,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// CreateTask registers a PENDING task with no file attached.
func (s *ReviewService) CreateTask(ctx context.Context, owner, contractType string) (*model.Task, error) {
	task := s.newTask(owner, contractType)
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	logger.WithContext(ctx).Info("task created", "task_id", task.ID, "contract_type", task.ContractType)
	return task, nil
}

// AttachFile records an already stored object as the task's document.
func (s *ReviewService) AttachFile(ctx context.Context, taskID, filename, objectKey, fileType string, size int64) (*model.File, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	file := &model.File{
		TaskID:    taskID,
		Filename:  filename,
		ObjectKey: objectKey,
		FileType:  fileType,
		Size:      size,
		CreatedAt: s.now(),
	}
	if err := s.repo.SaveFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to save file record: %w", err)
	}
	return file, nil
}

// FileType returns the lower-case extension of filename without the dot.
func FileType(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

type UploadInput struct {
	Owner        string
	ContractType string
	Filename     string
	Content      io.Reader
	Size         int64
	ContentType  string
}

type UploadResult struct {
	Task *model.Task
	File *model.File
	// ExtractionErr is set when extraction failed and the task was left PENDING.
	ExtractionErr error
}

// Upload stores the document, creates its task and runs extraction.
// A failed extraction does not fail the upload.
func (s *ReviewService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	name := filepath.Base(strings.TrimSpace(in.Filename))
	fileType := FileType(name)
	if !IsSupportedFileType(fileType) {
		return nil, invalidInputf("unsupported file type %q, allowed: %s", fileType, strings.Join(SupportedFileTypes, ", "))
	}

	task := s.newTask(in.Owner, in.ContractType)
	owner := in.Owner
	if owner == "" {
		owner = "anonymous"
	}
	key := fmt.Sprintf("%s/%s/%s", owner, task.ID, name)
	if err := s.objects.Put(ctx, key, in.Content, in.Size, in.ContentType); err != nil {
		return nil, upstream("failed to store upload", err)
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	file, err := s.AttachFile(ctx, task.ID, name, key, fileType, in.Size)
	if err != nil {
		return nil, err
	}

	log := logger.WithContext(logger.WithTaskID(ctx, task.ID))
	log.Info("file uploaded", "filename", name, "file_type", fileType, "size", in.Size)

	result := &UploadResult{Task: task, File: file}
	if extracted, err := s.RunExtraction(ctx, task.ID); err != nil {
		log.Warn("extraction after upload failed", "error", err)
		result.ExtractionErr = err
		if t, getErr := s.repo.GetTask(ctx, task.ID); getErr == nil {
			result.Task = t
		}
	} else {
		result.Task = extracted
	}
	if f, err := s.repo.GetFile(ctx, task.ID); err == nil {
		result.File = f
	}
	return result, nil
}

// RunExtraction moves a PENDING task through EXTRACTING to ENTITY_READY.
// On failure the task is reverted to PENDING so it can be retried.
func (s *ReviewService) RunExtraction(ctx context.Context, taskID string) (*model.Task, error) {
	if err := s.claim(taskID, opExtraction); err != nil {
		return nil, err
	}
	defer s.unclaim(taskID)

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !model.CanFire(task.Status, model.TriggerExtractionStarted) {
		return nil, invalidStatef("task %s cannot start extraction in status %s", taskID, task.Status)
	}
	file, err := s.repo.GetFile(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if err := s.transition(ctx, task, model.TriggerExtractionStarted); err != nil {
		return nil, err
	}

	log := logger.WithContext(logger.WithTaskID(ctx, taskID))
	entities, err := s.extractEntities(ctx, file)
	if err != nil {
		log.Error("extraction failed, reverting to PENDING", "error", err)
		task.ErrorMsg = err.Error()
		// The revert must land even if the caller has gone away.
		if revertErr := s.transition(context.WithoutCancel(ctx), task, model.TriggerExtractionFailed); revertErr != nil {
			log.Error("failed to revert task after extraction failure", "error", revertErr)
		}
		return nil, upstream("extraction failed", err)
	}

	at := s.now()
	task.Entities = &entities
	task.ExtractedAt = &at
	task.ErrorMsg = ""
	if err := s.transition(ctx, task, model.TriggerExtractionSucceeded); err != nil {
		return nil, err
	}
	log.Info("entities extracted",
		"companies", len(entities.Companies),
		"persons", len(entities.Persons),
		"organizations", len(entities.Organizations))
	return task, nil
}

// extractEntities makes sure the file text is stored, then extracts
// entities from it.
func (s *ReviewService) extractEntities(ctx context.Context, file *model.File) (model.Entities, error) {
	text := file.Text
	if strings.TrimSpace(text) == "" {
		extracted, err := s.extractor.Extract(ctx, file)
		if err != nil {
			return model.Entities{}, err
		}
		if err := s.repo.UpdateFileText(ctx, file.TaskID, extracted); err != nil {
			return model.Entities{}, fmt.Errorf("failed to store extracted text: %w", err)
		}
		file.Text = extracted
		text = extracted
	}

	if utf8.RuneCountInString(strings.TrimSpace(text)) <= minEntityExtractionRunes {
		logger.WithContext(ctx).Info("text too short, skipping entity extraction", "task_id", file.TaskID)
		return model.Entities{}.Normalize(), nil
	}
	entities, err := s.entities.Extract(ctx, text)
	if err != nil {
		return model.Entities{}, err
	}
	return entities.Normalize(), nil
}

type DraftRolesResult struct {
	TaskID       string                `json:"task_id"`
	ContractType string                `json:"contract_type"`
	Candidates   []model.RoleCandidate `json:"candidates"`
	Entities     model.Entities        `json:"entities"`
	ExtractedAt  *time.Time            `json:"entities_extracted_at"`
}

// DraftRoles offers role candidates. When no extraction has been recorded
// it is run first, from the stored text, and persisted before answering.
func (s *ReviewService) DraftRoles(ctx context.Context, taskID string) (*DraftRolesResult, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if task.ExtractedAt == nil {
		if model.CanFire(task.Status, model.TriggerExtractionStarted) {
			if task, err = s.RunExtraction(ctx, taskID); err != nil {
				return nil, err
			}
		} else if task, err = s.backfillEntities(ctx, task); err != nil {
			return nil, err
		}
	}

	entities := model.Entities{}.Normalize()
	if task.Entities != nil {
		entities = task.Entities.Normalize()
	}
	return &DraftRolesResult{
		TaskID:       task.ID,
		ContractType: task.ContractType,
		Candidates:   model.RoleCandidates(task.ContractType, entities),
		Entities:     entities,
		ExtractedAt:  task.ExtractedAt,
	}, nil
}

// backfillEntities stores entities for a task that moved past PENDING
// without an extraction. Only the entity fields are written. While another
// operation holds the task the backfill is skipped and task is returned
// as read.
func (s *ReviewService) backfillEntities(ctx context.Context, task *model.Task) (*model.Task, error) {
	log := logger.WithContext(logger.WithTaskID(ctx, task.ID))
	if err := s.claim(task.ID, opExtraction); err != nil {
		log.Info("task busy, skipping entity backfill", "status", task.Status)
		return task, nil
	}
	defer s.unclaim(task.ID)

	current, err := s.repo.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if current.ExtractedAt != nil {
		return current, nil
	}
	file, err := s.repo.GetFile(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	entities, err := s.extractEntities(ctx, file)
	if err != nil {
		return nil, upstream("extraction failed", err)
	}
	at := s.now()
	if err := s.repo.SaveEntities(ctx, task.ID, entities, at); err != nil {
		return nil, fmt.Errorf("failed to store entities: %w", err)
	}
	current.Entities = &entities
	current.ExtractedAt = &at
	log.Info("entities backfilled", "status", current.Status)
	return current, nil
}

type ConfirmRolesInput struct {
	TaskID     string
	Role       string
	PartyNames []string
	// SelectedEntityIndex indexes companies, then persons, then organizations.
	SelectedEntityIndex *int
}

type ConfirmRolesResult struct {
	TaskID           string           `json:"task_id"`
	Status           model.TaskStatus `json:"status"`
	Role             string           `json:"role"`
	PartyNames       []string         `json:"party_names"`
	AutoSelected     bool             `json:"auto_selected"`
	UsedDefaultNames bool             `json:"used_default_names"`
	Message          string           `json:"message"`
}

// ConfirmRoles sets the submitter's role and party names. It never fails
// on name resolution: out-of-range indexes and empty entity lists fall
// back to the role's default names.
func (s *ReviewService) ConfirmRoles(ctx context.Context, in ConfirmRolesInput) (*ConfirmRolesResult, error) {
	if !model.IsValidRole(in.Role) {
		return nil, invalidInputf("invalid role %q, allowed: %s", in.Role, strings.Join(model.ValidRoles, ", "))
	}
	if err := s.claim(in.TaskID, opConfirmRoles); err != nil {
		return nil, err
	}
	defer s.unclaim(in.TaskID)

	task, err := s.repo.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if !model.CanFire(task.Status, model.TriggerRoleConfirmed) {
		return nil, invalidStatef("task %s cannot confirm roles in status %s", task.ID, task.Status)
	}

	names := cleanNames(in.PartyNames)
	autoSelected := false
	if len(names) == 0 && in.SelectedEntityIndex != nil {
		autoSelected = true
		if task.Entities != nil {
			flat := task.Entities.Flatten()
			if i := *in.SelectedEntityIndex; i >= 0 && i < len(flat) {
				names = []string{flat[i]}
			}
		}
	}
	usedDefault := false
	if len(names) == 0 {
		names = model.DefaultPartyNames(in.Role)
		usedDefault = true
		autoSelected = true
	}

	if err := task.Fire(model.TriggerRoleConfirmed); err != nil {
		return nil, invalidStatef("%v", err)
	}
	now := s.now()
	task.Role = in.Role
	task.PartyNames = names
	task.UpdatedAt = now
	record := model.RoleRecord{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		RoleKey:    in.Role,
		PartyNames: names,
		CreatedAt:  now,
	}
	if err := s.repo.SaveRoleConfirmation(ctx, task, record); err != nil {
		return nil, fmt.Errorf("failed to save role confirmation: %w", err)
	}

	msg := "角色确认成功"
	if usedDefault {
		msg = "角色确认成功（使用默认主体名称）"
	}
	logger.WithContext(ctx).Info("role confirmed", "task_id", task.ID, "role", in.Role, "party_names", names, "used_default_names", usedDefault)
	return &ConfirmRolesResult{
		TaskID:           task.ID,
		Status:           task.Status,
		Role:             task.Role,
		PartyNames:       names,
		AutoSelected:     autoSelected,
		UsedDefaultNames: usedDefault,
		Message:          msg,
	}, nil
}

// SetManualPartyNames confirms role with names typed in by the user.
// At least one non-blank name is required.
func (s *ReviewService) SetManualPartyNames(ctx context.Context, taskID, role string, names []string) (*ConfirmRolesResult, error) {
	cleaned := cleanNames(names)
	if len(cleaned) == 0 {
		return nil, invalidInputf("party_names must contain at least one name")
	}
	return s.ConfirmRoles(ctx, ConfirmRolesInput{TaskID: taskID, Role: role, PartyNames: cleaned})
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// StartReview checks admission, moves the task to IN_PROGRESS and hands
// the pipeline to the worker pool. It returns once the job is queued.
func (s *ReviewService) StartReview(ctx context.Context, taskID string) (task *model.Task, err error) {
	if err := s.claim(taskID, opReview); err != nil {
		return nil, err
	}
	// The queued job takes over the claim; every early return drops it.
	queued := false
	defer func() {
		if !queued {
			s.unclaim(taskID)
		}
	}()

	task, err = s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !model.CanStartReview(task.Status) {
		return nil, invalidStatef("task %s cannot start review in status %s", taskID, task.Status)
	}
	if task.Role == "" {
		return nil, invalidStatef("role must be confirmed before review")
	}

	task.ErrorMsg = ""
	if err := s.transition(ctx, task, model.TriggerReviewStarted); err != nil {
		return nil, err
	}
	s.notifier.Publish(taskID, model.ProgressEvent{Stage: model.StageStart, Progress: 0, Message: "开始审查流程"})

	err = s.pool.Submit("review:"+taskID, func(jobCtx context.Context) {
		defer s.unclaim(taskID)
		s.runPipeline(logger.WithTaskID(jobCtx, taskID), taskID)
	})
	if err != nil {
		s.failReview(context.WithoutCancel(ctx), task, err)
		return nil, fmt.Errorf("failed to schedule review: %w", err)
	}
	queued = true
	logger.WithContext(ctx).Info("review queued", "task_id", taskID)
	return task, nil
}

func (s *ReviewService) runPipeline(ctx context.Context, taskID string) {
	log := logger.WithContext(ctx)
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		log.Error("review task vanished", "error", err)
		s.notifier.PublishError(taskID, err.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.failReview(context.WithoutCancel(ctx), task, fmt.Errorf("review panicked: %v", r))
		}
	}()

	findings, err := s.review(ctx, task)
	if err != nil {
		s.failReview(context.WithoutCancel(ctx), task, err)
		return
	}

	if err := task.Fire(model.TriggerReviewSucceeded); err != nil {
		s.failReview(context.WithoutCancel(ctx), task, err)
		return
	}
	task.UpdatedAt = s.now()
	if err := s.repo.CompleteTask(ctx, task, findings); err != nil {
		task.Status = model.StatusInProgress
		s.failReview(context.WithoutCancel(ctx), task, fmt.Errorf("failed to store findings: %w", err))
		return
	}

	summary := model.Summarize(findings)
	s.notifier.Publish(taskID, model.ProgressEvent{Stage: model.StageComplete, Progress: 100, Message: "审查完成"})
	s.notifier.PublishCompletion(taskID, model.CompletionResult{
		RisksCount:  len(findings),
		Message:     "合同审查已完成",
		RiskSummary: summary,
	})
	log.Info("review completed", "risks", summary.TotalRisks, "high", summary.HighRisks)
}

// review runs the sequential stages and returns the findings to commit.
func (s *ReviewService) review(ctx context.Context, task *model.Task) ([]model.RiskFinding, error) {
	log := logger.WithContext(ctx)

	if err := s.stage(ctx, task, model.StageOCR, 20, "正在提取文本内容"); err != nil {
		return nil, err
	}
	text, err := s.ensureText(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	if err := s.stage(ctx, task, model.StageSegmentation, 40, "正在分割段落"); err != nil {
		return nil, err
	}
	paragraphs := SplitParagraphs(text)
	log.Debug("text segmented", "paragraphs", len(paragraphs))

	if err := s.stage(ctx, task, model.StageVectorize, 60, "正在进行向量化处理"); err != nil {
		return nil, err
	}
	records := make([]model.Paragraph, len(paragraphs))
	for i, p := range paragraphs {
		records[i] = model.Paragraph{TaskID: task.ID, Index: i, Text: p, Embedding: s.embedder.Embed(p)}
	}
	if err := s.repo.ReplaceParagraphs(ctx, task.ID, records); err != nil {
		return nil, fmt.Errorf("failed to store paragraphs: %w", err)
	}

	if err := s.stage(ctx, task, model.StageAnalysis, 80, "正在进行风险分析"); err != nil {
		return nil, err
	}
	analysisText := strings.Join(paragraphs, "\n\n")
	if analysisText == "" {
		analysisText = text
	}
	actx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	findings, err := s.analyzer.Analyze(actx, AnalysisRequest{
		TaskID:       task.ID,
		ContractType: task.ContractType,
		Role:         task.Role,
		PartyNames:   task.PartyNames,
		Text:         analysisText,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	for i := range findings {
		findings[i].ID = uuid.NewString()
		findings[i].TaskID = task.ID
		findings[i].CreatedAt = now
		if findings[i].Statutes == nil {
			findings[i].Statutes = []model.Statute{}
		}
	}
	return findings, nil
}

// stage records a sub-stage transition and publishes its progress.
func (s *ReviewService) stage(ctx context.Context, task *model.Task, name string, progress int, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := task.Fire(model.TriggerStageCompleted); err != nil {
		return err
	}
	s.notifier.Publish(task.ID, model.ProgressEvent{Stage: name, Progress: progress, Message: msg})
	return nil
}

// ensureText returns the stored text, extracting it first if it is
// missing. Extraction failures are logged and yield empty text.
func (s *ReviewService) ensureText(ctx context.Context, taskID string) (string, error) {
	file, err := s.repo.GetFile(ctx, taskID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(file.Text) != "" {
		return file.Text, nil
	}

	text, err := s.extractor.Extract(ctx, file)
	if err != nil {
		logger.WithContext(ctx).Warn("text extraction failed during review", "error", err)
		return "", nil
	}
	if err := s.repo.UpdateFileText(ctx, taskID, text); err != nil {
		return "", fmt.Errorf("failed to store extracted text: %w", err)
	}
	return text, nil
}

// failReview moves an IN_PROGRESS task to FAILED and publishes the error.
func (s *ReviewService) failReview(ctx context.Context, task *model.Task, cause error) {
	log := logger.WithContext(logger.WithTaskID(ctx, task.ID))
	log.Error("review failed", "error", cause)

	task.ErrorMsg = cause.Error()
	if err := s.transition(ctx, task, model.TriggerReviewFailed); err != nil {
		log.Error("failed to mark task failed", "error", err)
	}
	s.notifier.PublishError(task.ID, cause.Error())
}

// transition fires trigger and persists the task.
func (s *ReviewService) transition(ctx context.Context, task *model.Task, trigger model.Trigger) error {
	if err := task.Fire(trigger); err != nil {
		return invalidStatef("%v", err)
	}
	task.UpdatedAt = s.now()
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// claim reserves taskID for op. Every operation that writes the task
// record holds a claim, so at most one of them works on a task at a time.
func (s *ReviewService) claim(taskID, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running, busy := s.busy[taskID]; busy {
		return invalidStatef("task %s is busy: %s in progress", taskID, running)
	}
	s.busy[taskID] = op
	return nil
}

func (s *ReviewService) unclaim(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, taskID)
}

// Reviewing reports whether a review job for taskID is queued or running.
func (s *ReviewService) Reviewing(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[taskID] == opReview
}

type ReviewResult struct {
	Task     *model.Task         `json:"task"`
	Findings []model.RiskFinding `json:"risks"`
	Summary  model.RiskSummary   `json:"summary"`
}

// ReviewResult returns the task with its stored findings.
func (s *ReviewService) ReviewResult(ctx context.Context, taskID string) (*ReviewResult, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	findings, err := s.repo.ListFindings(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}
	if findings == nil {
		findings = []model.RiskFinding{}
	}
	return &ReviewResult{Task: task, Findings: findings, Summary: model.Summarize(findings)}, nil
}

// Summary counts a task's findings by severity.
func (s *ReviewService) Summary(ctx context.Context, taskID string) (model.RiskSummary, error) {
	res, err := s.ReviewResult(ctx, taskID)
	if err != nil {
		return model.RiskSummary{}, err
	}
	return res.Summary, nil
}

func (s *ReviewService) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return s.repo.GetTask(ctx, taskID)
}

func (s *ReviewService) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalidInputf("invalid status %q", filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, invalidInputf("limit and offset must not be negative")
	}
	return s.repo.ListTasks(ctx, filter)
}

// StatusSnapshot is the answer to a duplex status query.
type StatusSnapshot struct {
	TaskID       string           `json:"task_id"`
	Status       model.TaskStatus `json:"status"`
	ContractType string           `json:"contract_type"`
	Role         string           `json:"role"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func (s *ReviewService) TaskStatus(ctx context.Context, taskID string) (*StatusSnapshot, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{
		TaskID:       task.ID,
		Status:       task.Status,
		ContractType: task.ContractType,
		Role:         task.Role,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	}, nil
}

type UploadStatus struct {
	TaskID       string           `json:"task_id"`
	Status       model.TaskStatus `json:"status"`
	ContractType string           `json:"contract_type"`
	CreatedAt    time.Time        `json:"created_at"`
	FileInfo     *FileInfo        `json:"file_info,omitempty"`
}

type FileInfo struct {
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	Size       int64  `json:"size"`
	HasOCRText bool   `json:"has_ocr_text"`
}

func (s *ReviewService) UploadStatus(ctx context.Context, taskID string) (*UploadStatus, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	st := &UploadStatus{
		TaskID:       task.ID,
		Status:       task.Status,
		ContractType: task.ContractType,
		CreatedAt:    task.CreatedAt,
	}
	if file, err := s.repo.GetFile(ctx, taskID); err == nil {
		st.FileInfo = &FileInfo{
			Filename:   file.Filename,
			FileType:   file.FileType,
			Size:       file.Size,
			HasOCRText: strings.TrimSpace(file.Text) != "",
		}
	}
	return st, nil
}

// SearchParagraphs ranks the task's stored paragraphs against query.
func (s *ReviewService) SearchParagraphs(ctx context.Context, taskID, query string, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, invalidInputf("query must not be empty")
	}
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	paragraphs, err := s.repo.ListParagraphs(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load paragraphs: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	return RankParagraphs(s.embedder, paragraphs, query, limit), nil
}

// ReportArtifact is a rendered report and where it was stored.
type ReportArtifact struct {
	ObjectKey   string `json:"object_key"`
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

// ExportReport renders a COMPLETED task's report and stores it under
// reports/<task>/.
func (s *ReviewService) ExportReport(ctx context.Context, taskID, format string) (*ReportArtifact, error) {
	if format == "" {
		format = "txt"
	}
	res, err := s.ReviewResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if res.Task.Status != model.StatusCompleted {
		return nil, invalidStatef("task %s is %s, report needs COMPLETED", taskID, res.Task.Status)
	}

	rendered, err := s.reports.Render(ReportData{
		Task:        res.Task,
		Findings:    res.Findings,
		Summary:     res.Summary,
		GeneratedAt: s.now(),
	}, format)
	if err != nil {
		return nil, err
	}

	key := reportPrefix(taskID) + "report." + rendered.Ext
	if err := s.objects.Put(ctx, key, bytes.NewReader(rendered.Body), int64(len(rendered.Body)), rendered.ContentType); err != nil {
		return nil, upstream("failed to store report", err)
	}
	art := &ReportArtifact{
		ObjectKey:   key,
		Filename:    fmt.Sprintf("contract_review_%s.%s", taskID, rendered.Ext),
		ContentType: rendered.ContentType,
		Body:        rendered.Body,
	}
	if url, err := s.objects.PresignedURL(ctx, key); err == nil {
		art.URL = url
	}
	return art, nil
}

func reportPrefix(taskID string) string {
	return fmt.Sprintf("reports/%s/", taskID)
}

type ReportBasicInfo struct {
	TaskID       string           `json:"task_id"`
	ContractType string           `json:"contract_type"`
	Role         string           `json:"role"`
	PartyNames   []string         `json:"party_names"`
	Status       model.TaskStatus `json:"status"`
}

// ReportPreview is the report content as JSON, before any file is rendered.
type ReportPreview struct {
	BasicInfo     ReportBasicInfo     `json:"basic_info"`
	Summary       model.RiskSummary   `json:"summary"`
	Risks         []model.RiskFinding `json:"risks"`
	ExportFormats []string            `json:"export_formats"`
}

// PreviewReport returns what an export of a COMPLETED task would contain.
func (s *ReviewService) PreviewReport(ctx context.Context, taskID string) (*ReportPreview, error) {
	res, err := s.ReviewResult(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if res.Task.Status != model.StatusCompleted {
		return nil, invalidStatef("task %s is %s, preview needs COMPLETED", taskID, res.Task.Status)
	}
	names := res.Task.PartyNames
	if names == nil {
		names = []string{}
	}
	return &ReportPreview{
		BasicInfo: ReportBasicInfo{
			TaskID:       res.Task.ID,
			ContractType: res.Task.ContractType,
			Role:         res.Task.Role,
			PartyNames:   names,
			Status:       res.Task.Status,
		},
		Summary:       res.Summary,
		Risks:         res.Findings,
		ExportFormats: ReportFormatNames(),
	}, nil
}

// ExportFormats lists the report formats; they become available once the
// task is COMPLETED.
func (s *ReviewService) ExportFormats(ctx context.Context, taskID string) ([]ReportFormat, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	formats := make([]ReportFormat, len(reportFormats))
	for i, f := range reportFormats {
		f.Available = task.Status == model.StatusCompleted
		formats[i] = f
	}
	return formats, nil
}

// DeleteReports removes every exported report stored for the task and
// returns the names of the deleted files. Objects that fail to delete are
// logged and left out of the result.
func (s *ReviewService) DeleteReports(ctx context.Context, taskID string) ([]string, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	log := logger.WithContext(logger.WithTaskID(ctx, taskID))
	keys, err := s.objects.List(ctx, reportPrefix(taskID))
	if err != nil {
		return nil, upstream("failed to list reports", err)
	}
	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			log.Warn("failed to delete report", "object_key", key, "error", err)
			continue
		}
		deleted = append(deleted, path.Base(key))
	}
	log.Info("reports deleted", "count", len(deleted))
	return deleted, nil
}
