package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// AnalysisRequest is what a review run hands the risk analyzer.
type AnalysisRequest struct {
	TaskID       string
	ContractType string
	Role         string
	PartyNames   []string
	Text         string
}

// RiskAnalyzer produces risk findings for a contract. An error aborts the
// review; zero findings is a valid outcome.
type RiskAnalyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) ([]model.RiskFinding, error)
}

const riskSystemPrompt = "你是一个专业的合同风险分析专家，具有丰富的法律知识和实务经验。"

const riskUserPrompt = `请对以下%s进行全面的风险分析。我的角色是%s，对应当事方：%s。

合同内容：
%s

请从以下角度进行分析并以JSON格式返回结果：
{"risks": [{"clause_id": "条款编号或标识", "title": "风险标题", "risk_level": "HIGH/MEDIUM/LOW", "summary": "风险描述和分析", "suggestion": "应对建议", "related_laws": ["相关法律法规"]}]}

重点关注：
1. 付款条款和违约责任
2. 交付时间和质量标准
3. 知识产权条款
4. 免责和限责条款
5. 争议解决机制
6. 合同变更和终止条件`

var riskJSONPattern = regexp.MustCompile(`(?s)\{.*\}`)

// LLMRiskAnalyzer sends the contract text to the model and parses the
// returned risk list.
type LLMRiskAnalyzer struct {
	llm      Completer
	maxChars int
}

var _ RiskAnalyzer = (*LLMRiskAnalyzer)(nil)

func NewLLMRiskAnalyzer(llm Completer, maxChars int) *LLMRiskAnalyzer {
	if maxChars <= 0 {
		maxChars = 4000
	}
	return &LLMRiskAnalyzer{llm: llm, maxChars: maxChars}
}

func (a *LLMRiskAnalyzer) Analyze(ctx context.Context, req AnalysisRequest) ([]model.RiskFinding, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, nil
	}
	if a.llm == nil {
		return nil, ErrLLMDisabled
	}

	contractType := req.ContractType
	if contractType == "" {
		contractType = "合同"
	}
	parties := strings.Join(req.PartyNames, "、")
	if parties == "" {
		parties = strings.Join(model.DefaultPartyNames(req.Role), "、")
	}
	prompt := fmt.Sprintf(riskUserPrompt, contractType, roleLabel(req.Role), parties, truncate(req.Text, a.maxChars))

	reply, err := a.llm.Complete(ctx, riskSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("risk analysis failed: %w", err)
	}
	return ParseRiskReply(reply), nil
}

type riskReply struct {
	Risks []struct {
		ClauseID    string   `json:"clause_id"`
		Title       string   `json:"title"`
		RiskLevel   string   `json:"risk_level"`
		Summary     string   `json:"summary"`
		Suggestion  string   `json:"suggestion"`
		RelatedLaws []string `json:"related_laws"`
	} `json:"risks"`
}

// ParseRiskReply decodes the model's JSON, tolerating prose around it.
// Unparseable replies yield no findings.
func ParseRiskReply(reply string) []model.RiskFinding {
	var parsed riskReply
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		m := riskJSONPattern.FindString(reply)
		if m == "" || json.Unmarshal([]byte(m), &parsed) != nil {
			slog.Warn("failed to parse risk analysis reply", "reply", truncate(reply, 200))
			return nil
		}
	}

	findings := make([]model.RiskFinding, 0, len(parsed.Risks))
	for _, r := range parsed.Risks {
		statutes := make([]model.Statute, 0, len(r.RelatedLaws))
		for _, law := range r.RelatedLaws {
			if law = strings.TrimSpace(law); law != "" {
				statutes = append(statutes, model.Statute{Ref: law})
			}
		}
		findings = append(findings, model.RiskFinding{
			ClauseID:   r.ClauseID,
			Title:      r.Title,
			Level:      model.ParseRiskLevel(r.RiskLevel),
			Summary:    r.Summary,
			Suggestion: r.Suggestion,
			Statutes:   statutes,
		})
	}
	return findings
}

func roleLabel(role string) string {
	names := model.DefaultPartyNames(role)
	if role == "" {
		return names[0]
	}
	return fmt.Sprintf("%s（%s）", names[0], role)
}
