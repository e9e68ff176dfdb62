package service

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// ReportData is everything a rendered report shows.
type ReportData struct {
	Task        *model.Task
	Findings    []model.RiskFinding
	Summary     model.RiskSummary
	GeneratedAt time.Time
}

// RenderedReport is a report in one output format.
type RenderedReport struct {
	Body        []byte
	ContentType string
	Ext         string
}

// ReportRenderer fills report templates. Formats are "txt" and "md".
type ReportRenderer interface {
	Render(data ReportData, format string) (*RenderedReport, error)
}

var reportFuncs = template.FuncMap{
	"join":  strings.Join,
	"inc":   func(i int) int { return i + 1 },
	"stamp": func(t time.Time) string { return t.Format("2006-01-02 15:04:05") },
	"names": func(names []string) string {
		if len(names) == 0 {
			return "-"
		}
		return strings.Join(names, "、")
	},
	"refs": func(statutes []model.Statute) string {
		refs := make([]string, 0, len(statutes))
		for _, s := range statutes {
			refs = append(refs, s.Ref)
		}
		return strings.Join(refs, "；")
	},
}

const txtReportTemplate = `合同审查报告
============

任务编号：{{.Task.ID}}
合同类型：{{.Task.ContractType}}
审查角色：{{.Task.Role}}
当事方：{{names .Task.PartyNames}}
审查状态：{{.Task.Status}}
生成时间：{{stamp .GeneratedAt}}

风险统计：共 {{.Summary.TotalRisks}} 项（高 {{.Summary.HighRisks}} / 中 {{.Summary.MediumRisks}} / 低 {{.Summary.LowRisks}}）
{{range $i, $f := .Findings}}
{{inc $i}}. [{{$f.Level}}] {{$f.Title}}{{if $f.ClauseID}}（条款 {{$f.ClauseID}}）{{end}}
   风险描述：{{$f.Summary}}
   修改建议：{{$f.Suggestion}}{{if $f.Statutes}}
   相关法规：{{refs $f.Statutes}}{{end}}
{{else}}
未发现风险。
{{end}}`

const mdReportTemplate = `# 合同审查报告

| 项目 | 内容 |
|---|---|
| 任务编号 | {{.Task.ID}} |
| 合同类型 | {{.Task.ContractType}} |
| 审查角色 | {{.Task.Role}} |
| 当事方 | {{names .Task.PartyNames}} |
| 审查状态 | {{.Task.Status}} |
| 生成时间 | {{stamp .GeneratedAt}} |

## 风险统计

- 总计：{{.Summary.TotalRisks}}
- 高风险：{{.Summary.HighRisks}}
- 中风险：{{.Summary.MediumRisks}}
- 低风险：{{.Summary.LowRisks}}

## 风险详情
{{range $i, $f := .Findings}}
### {{inc $i}}. {{$f.Title}} ` + "`{{$f.Level}}`" + `
{{if $f.ClauseID}}
**条款：** {{$f.ClauseID}}
{{end}}
**风险描述：** {{$f.Summary}}

**修改建议：** {{$f.Suggestion}}
{{if $f.Statutes}}
**相关法规：** {{refs $f.Statutes}}
{{end}}{{else}}
未发现风险。
{{end}}`

// ReportFormat describes one export format offered to clients.
type ReportFormat struct {
	Format      string `json:"format"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Available   bool   `json:"available"`
}

var reportFormats = []ReportFormat{
	{Format: "txt", Name: "纯文本", Description: "简单的文本格式"},
	{Format: "md", Name: "Markdown", Description: "带表格和标题的 Markdown 文本，可转换为其他文档格式"},
}

// ReportFormatNames lists the format keys Render accepts.
func ReportFormatNames() []string {
	names := make([]string, len(reportFormats))
	for i, f := range reportFormats {
		names[i] = f.Format
	}
	return names
}

// TemplateRenderer renders reports with text/template.
type TemplateRenderer struct {
	templates map[string]*template.Template
}

var _ ReportRenderer = (*TemplateRenderer)(nil)

var reportContentTypes = map[string]string{
	"txt": "text/plain; charset=utf-8",
	"md":  "text/markdown; charset=utf-8",
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		templates: map[string]*template.Template{
			"txt": template.Must(template.New("txt").Funcs(reportFuncs).Parse(txtReportTemplate)),
			"md":  template.Must(template.New("md").Funcs(reportFuncs).Parse(mdReportTemplate)),
		},
	}
}

func (r *TemplateRenderer) Render(data ReportData, format string) (*RenderedReport, error) {
	tmpl, ok := r.templates[format]
	if !ok {
		return nil, invalidInputf("unsupported report format %q", format)
	}
	if data.Task == nil {
		return nil, invalidInputf("report needs a task")
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s report: %w", format, err)
	}
	return &RenderedReport{Body: buf.Bytes(), ContentType: reportContentTypes[format], Ext: format}, nil
}
