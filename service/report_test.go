package service

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

func sampleReportData() ReportData {
	findings := []model.RiskFinding{
		{ClauseID: "3.1", Title: "付款期限不明", Level: model.RiskHigh, Summary: "未约定付款期限", Suggestion: "明确付款日期",
			Statutes: []model.Statute{{Ref: "民法典第510条"}, {Ref: "民法典第511条"}}},
		{Title: "争议解决", Level: model.RiskLow, Summary: "管辖不明", Suggestion: "约定仲裁机构"},
	}
	return ReportData{
		Task: &model.Task{
			ID: "task-1", ContractType: "采购合同", Role: model.RoleBuyer,
			PartyNames: []string{"A公司"}, Status: model.StatusCompleted,
		},
		Findings:    findings,
		Summary:     model.Summarize(findings),
		GeneratedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestTemplateRendererFormats(t *testing.T) {
	r := NewTemplateRenderer()
	tests := []struct {
		format      string
		contentType string
		want        []string
	}{
		{
			format:      "txt",
			contentType: "text/plain; charset=utf-8",
			want:        []string{"task-1", "采购合同", "A公司", "2026-01-02 03:04:05", "共 2 项（高 1 / 中 0 / 低 1）", "1. [HIGH] 付款期限不明（条款 3.1）", "民法典第510条；民法典第511条", "2. [LOW] 争议解决"},
		},
		{
			format:      "md",
			contentType: "text/markdown; charset=utf-8",
			want:        []string{"# 合同审查报告", "| 任务编号 | task-1 |", "- 高风险：1", "### 1. 付款期限不明 `HIGH`", "**条款：** 3.1", "### 2. 争议解决 `LOW`"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := r.Render(sampleReportData(), tt.format)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if out.ContentType != tt.contentType {
				t.Errorf("Expected content type %s, got %s", tt.contentType, out.ContentType)
			}
			if out.Ext != tt.format {
				t.Errorf("Expected ext %s, got %s", tt.format, out.Ext)
			}
			body := string(out.Body)
			for _, w := range tt.want {
				if !strings.Contains(body, w) {
					t.Errorf("Expected report to contain %q\n%s", w, body)
				}
			}
		})
	}
}

func TestTemplateRendererNoFindings(t *testing.T) {
	data := sampleReportData()
	data.Findings = nil
	data.Summary = model.Summarize(nil)

	out, err := NewTemplateRenderer().Render(data, "txt")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(string(out.Body), "未发现风险。") {
		t.Errorf("Expected empty-findings note, got:\n%s", out.Body)
	}
}

func TestTemplateRendererErrors(t *testing.T) {
	r := NewTemplateRenderer()
	if _, err := r.Render(sampleReportData(), "pdf"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for unknown format, got %v", err)
	}
	if _, err := r.Render(ReportData{}, "txt"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for missing task, got %v", err)
	}
}
