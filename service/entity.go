package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// EntityExtractor pulls candidate party names out of contract text.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) (model.Entities, error)
}

const (
	minEntityTextRunes = 10
	entityPromptRunes  = 3000
	shortTextPartyName = "合同当事方"
)

const entitySystemPrompt = "你是一个专业的合同实体提取专家。请仔细分析文本并准确提取所有当事方信息。"

const entityUserPrompt = `请仔细分析以下合同文本，提取所有可能的当事方名称。请特别注意：
1. 公司名称（包含"有限公司"、"股份公司"、"集团"等）
2. 个人姓名（通常在甲方、乙方、委托方、受托方等位置）
3. 其他组织机构名称

合同文本：
%s

请严格按照以下JSON格式返回，不要添加任何其他内容：
{"companies": ["公司名称1"], "persons": ["姓名1"], "organizations": ["组织名称1"]}`

var (
	companyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\p{Han}+(?:股份有限公司|有限公司|集团|公司)`),
		regexp.MustCompile(`[\p{L}\p{N}_]+(?:股份有限公司|有限公司|集团|公司)`),
	}
	rolePatterns = []*regexp.Regexp{
		regexp.MustCompile(`甲方[：:](\s*\p{Han}+(?:有限公司|公司|集团)?)`),
		regexp.MustCompile(`乙方[：:](\s*\p{Han}+(?:有限公司|公司|集团)?)`),
		regexp.MustCompile(`委托方[：:](\s*\p{Han}+(?:有限公司|公司|集团)?)`),
		regexp.MustCompile(`受托方[：:](\s*\p{Han}+(?:有限公司|公司|集团)?)`),
	}
	entityJSONPattern = regexp.MustCompile(`(?s)\{[^{}]*"companies"[^{}]*\}`)
)

// LLMEntityExtractor asks the model first and falls back to regular
// expressions when the model is absent, fails, or finds nothing.
type LLMEntityExtractor struct {
	llm Completer
}

var _ EntityExtractor = (*LLMEntityExtractor)(nil)

// NewLLMEntityExtractor accepts a nil Completer for regex-only extraction.
func NewLLMEntityExtractor(llm Completer) *LLMEntityExtractor {
	return &LLMEntityExtractor{llm: llm}
}

func (e *LLMEntityExtractor) Extract(ctx context.Context, text string) (model.Entities, error) {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < minEntityTextRunes {
		slog.Warn("text too short for entity extraction", "runes", utf8.RuneCountInString(trimmed))
		return model.Entities{Companies: []string{shortTextPartyName}}.Normalize(), nil
	}

	if e.llm == nil {
		return ExtractEntitiesRegex(text), nil
	}

	reply, err := e.llm.Complete(ctx, entitySystemPrompt, fmt.Sprintf(entityUserPrompt, truncate(text, entityPromptRunes)))
	if err != nil {
		slog.Warn("llm entity extraction failed, using regex", "error", err)
		return ExtractEntitiesRegex(text), nil
	}

	entities := parseEntitiesReply(reply)
	if entities.Empty() {
		slog.Warn("llm entity extraction returned nothing, using regex")
		return ExtractEntitiesRegex(text), nil
	}
	return entities, nil
}

func parseEntitiesReply(reply string) model.Entities {
	var raw map[string][]string
	if err := json.Unmarshal([]byte(reply), &raw); err != nil || !hasEntityKeys(raw) {
		raw = nil
		if m := entityJSONPattern.FindString(reply); m != "" {
			_ = json.Unmarshal([]byte(m), &raw)
		}
	}
	return model.Entities{
		Companies:     dedupe(raw["companies"]),
		Persons:       dedupe(raw["persons"]),
		Organizations: dedupe(raw["organizations"]),
	}.Normalize()
}

func hasEntityKeys(m map[string][]string) bool {
	for _, k := range []string{"companies", "persons", "organizations"} {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// ExtractEntitiesRegex finds company names and the names following party
// markers such as 甲方：. Order of first appearance is kept.
func ExtractEntitiesRegex(text string) model.Entities {
	var companies, persons []string

	for _, p := range companyPatterns {
		companies = append(companies, p.FindAllString(text, -1)...)
	}
	for _, p := range rolePatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			name := strings.TrimSpace(m[1])
			if name == "" {
				continue
			}
			if strings.Contains(name, "公司") || strings.Contains(name, "集团") {
				companies = append(companies, name)
			} else {
				persons = append(persons, name)
			}
		}
	}

	return model.Entities{
		Companies: dedupe(companies),
		Persons:   dedupe(persons),
	}.Normalize()
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
