package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/pkg/logger"
	"github.com/RaiToKU/mvp-contractshield-ai-backend/service"
)

// CallbackHandler receives MinerU task notifications and hands them to the
// extraction waiting on the task's data id.
type CallbackHandler struct {
	mineru *service.MineruService
}

func NewCallbackHandler(mineru *service.MineruService) *CallbackHandler {
	return &CallbackHandler{mineru: mineru}
}

// HandleCallback receives callback from MinerU
func (h *CallbackHandler) HandleCallback(c *gin.Context) {
	ctx := c.Request.Context()

	var req service.MineruCallbackPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "code": "invalid_input"})
		return
	}
	if !h.mineru.VerifyCallback(req.Checksum, req.Content) {
		logger.Warn(ctx, "mineru callback checksum mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid checksum", "code": "unauthorized"})
		return
	}

	var result service.MineruResult
	if err := json.Unmarshal([]byte(req.Content), &result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid content format", "code": "invalid_input"})
		return
	}
	if result.DataID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data_id is required", "code": "invalid_input"})
		return
	}

	if !h.mineru.Deliver(result) {
		// The extraction gave up or was served by polling already.
		logger.Info(ctx, "mineru callback with no waiting extraction", "data_id", result.DataID, "state", result.State)
		c.JSON(http.StatusNotFound, gin.H{"error": "No extraction waiting for this task", "code": "not_found"})
		return
	}

	logger.Info(ctx, "mineru callback delivered", "data_id", result.DataID, "state", result.State)
	c.JSON(http.StatusOK, gin.H{"message": "Callback received"})
}
