package model

// Pipeline stage names carried on progress events.
const (
	StageStart        = "start"
	StageOCR          = "ocr"
	StageSegmentation = "segmentation"
	StageVectorize    = "vectorize"
	StageAnalysis     = "analysis"
	StageComplete     = "complete"
	StageError        = "error"
)

// ProgressEvent is pushed to listeners; never persisted.
type ProgressEvent struct {
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// CompletionResult is the payload of the final completion notification.
type CompletionResult struct {
	RisksCount int    `json:"risks_count"`
	Message    string `json:"message"`
	RiskSummary
}
