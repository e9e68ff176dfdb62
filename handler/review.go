package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/middleware"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/pkg/logger"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/service"
)

// ReviewHandler exposes the review workflow: upload, role confirmation,
// review runs, results, search and export.
type ReviewHandler struct {
	svc           *service.ReviewService
	maxUploadSize int64
}

func NewReviewHandler(svc *service.ReviewService, maxUploadSize int64) *ReviewHandler {
	return &ReviewHandler{svc: svc, maxUploadSize: maxUploadSize}
}

// respondError maps service error kinds onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	status := http.StatusInternalServerError
	msg := err.Error()
	switch kind {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_state", "invalid_input":
		status = http.StatusBadRequest
	case "upstream":
		status = http.StatusBadGateway
	default:
		msg = "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err, "code", kind)
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": msg, "code": kind})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_input"})
}

// ownedTask loads a task and hides it from users other than its owner.
func (h *ReviewHandler) ownedTask(c *gin.Context, taskID string) (*model.Task, bool) {
	task, err := h.svc.GetTask(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if task.Owner != "" && task.Owner != middleware.GetUsername(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %s not found", taskID), "code": "not_found"})
		return nil, false
	}
	return task, true
}

// Upload accepts a multipart contract file and runs extraction on it.
func (h *ReviewHandler) Upload(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large", "code": "invalid_input"})
			return
		}
		badRequest(c, "No file provided")
		return
	}
	defer file.Close()

	if h.maxUploadSize > 0 && header.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("File exceeds %d MB", h.maxUploadSize>>20),
			"code":  "invalid_input",
		})
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	res, err := h.svc.Upload(c.Request.Context(), service.UploadInput{
		Owner:        middleware.GetUsername(c),
		ContractType: c.PostForm("contract_type"),
		Filename:     header.Filename,
		Content:      file,
		Size:         header.Size,
		ContentType:  contentType,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"task_id":       res.Task.ID,
		"status":        res.Task.Status,
		"contract_type": res.Task.ContractType,
		"filename":      res.File.Filename,
		"file_type":     res.File.FileType,
		"size":          res.File.Size,
		"message":       "文件上传成功",
	}
	if res.Task.Entities != nil {
		body["entities"] = res.Task.Entities
	}
	if res.ExtractionErr != nil {
		body["extraction_error"] = res.ExtractionErr.Error()
		body["message"] = "文件上传成功，文本提取失败，可稍后重试"
	}
	c.JSON(http.StatusOK, body)
}

// UploadStatus reports the task state and what is known about its file.
func (h *ReviewHandler) UploadStatus(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	st, err := h.svc.UploadStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type taskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
}

// DraftRoles returns role candidates, extracting entities first if needed.
func (h *ReviewHandler) DraftRoles(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "task_id is required")
		return
	}
	if _, ok := h.ownedTask(c, req.TaskID); !ok {
		return
	}
	res, err := h.svc.DraftRoles(c.Request.Context(), req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type confirmRolesRequest struct {
	TaskID              string   `json:"task_id" binding:"required"`
	Role                string   `json:"role" binding:"required"`
	PartyNames          []string `json:"party_names"`
	SelectedEntityIndex *int     `json:"selected_entity_index"`
}

func (h *ReviewHandler) ConfirmRoles(c *gin.Context) {
	var req confirmRolesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "task_id and role are required")
		return
	}
	if _, ok := h.ownedTask(c, req.TaskID); !ok {
		return
	}
	res, err := h.svc.ConfirmRoles(c.Request.Context(), service.ConfirmRolesInput{
		TaskID:              req.TaskID,
		Role:                req.Role,
		PartyNames:          req.PartyNames,
		SelectedEntityIndex: req.SelectedEntityIndex,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type manualPartyNamesRequest struct {
	TaskID     string   `json:"task_id" binding:"required"`
	Role       string   `json:"role" binding:"required"`
	PartyNames []string `json:"party_names"`
}

func (h *ReviewHandler) ManualPartyNames(c *gin.Context) {
	var req manualPartyNamesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "task_id and role are required")
		return
	}
	if _, ok := h.ownedTask(c, req.TaskID); !ok {
		return
	}
	res, err := h.svc.SetManualPartyNames(c.Request.Context(), req.TaskID, req.Role, req.PartyNames)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StartReview queues the review pipeline. Progress arrives over the
// task's WebSocket.
func (h *ReviewHandler) StartReview(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "task_id is required")
		return
	}
	if _, ok := h.ownedTask(c, req.TaskID); !ok {
		return
	}
	task, err := h.svc.StartReview(c.Request.Context(), req.TaskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.ID,
		"status":  task.Status,
		"message": "审查已开始，请通过WebSocket获取进度",
	})
}

// GetReview returns the task with its findings and severity summary.
func (h *ReviewHandler) GetReview(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	res, err := h.svc.ReviewResult(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *ReviewHandler) GetSummary(c *gin.Context) {
	id := c.Param("id")
	task, ok := h.ownedTask(c, id)
	if !ok {
		return
	}
	summary, err := h.svc.Summary(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id": id,
		"status":  task.Status,
		"summary": summary,
	})
}

// ListTasks lists the caller's tasks, newest first.
func (h *ReviewHandler) ListTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	tasks, err := h.svc.ListTasks(c.Request.Context(), model.TaskFilter{
		Owner:  middleware.GetUsername(c),
		Status: model.TaskStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "limit": limit, "offset": offset})
}

// Search ranks a task's paragraphs against the q parameter.
func (h *ReviewHandler) Search(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	limit, err := queryInt(c, "limit", 5)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	results, err := h.svc.SearchParagraphs(c.Request.Context(), id, c.Query("q"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "query": c.Query("q"), "results": results})
}

// Export renders the report of a completed review as a download.
func (h *ReviewHandler) Export(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	art, err := h.svc.ExportReport(c.Request.Context(), id, c.DefaultQuery("format", "txt"))
	if err != nil {
		respondError(c, err)
		return
	}
	if art.URL != "" {
		c.Header("X-Report-URL", art.URL)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	c.Data(http.StatusOK, art.ContentType, art.Body)
}

// PreviewReport returns the report content as JSON.
func (h *ReviewHandler) PreviewReport(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	preview, err := h.svc.PreviewReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *ReviewHandler) ExportFormats(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	formats, err := h.svc.ExportFormats(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "formats": formats})
}

// DeleteReports removes the task's exported report files.
func (h *ReviewHandler) DeleteReports(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.ownedTask(c, id); !ok {
		return
	}
	deleted, err := h.svc.DeleteReports(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":       id,
		"deleted_files": deleted,
		"count":         len(deleted),
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}
