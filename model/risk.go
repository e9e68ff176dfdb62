package model

import (
	"strings"
	"time"
)

type RiskLevel string

const (
	RiskHigh   RiskLevel = "HIGH"
	RiskMedium RiskLevel = "MEDIUM"
	RiskLow    RiskLevel = "LOW"
)

// ParseRiskLevel normalizes model output; anything unrecognised is MEDIUM.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskHigh:
		return RiskHigh
	case RiskLow:
		return RiskLow
	default:
		return RiskMedium
	}
}

type Statute struct {
	Ref  string `json:"ref"`
	Text string `json:"text"`
}

// RiskFinding is one identified contractual risk. Immutable once stored.
type RiskFinding struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	ClauseID   string    `json:"clause_id"`
	Title      string    `json:"title"`
	Level      RiskLevel `json:"risk_level"`
	Summary    string    `json:"summary"`
	Suggestion string    `json:"suggestion"`
	Statutes   []Statute `json:"statutes"`
	CreatedAt  time.Time `json:"created_at"`
}

type RiskSummary struct {
	TotalRisks       int               `json:"total_risks"`
	HighRisks        int               `json:"high_risks"`
	MediumRisks      int               `json:"medium_risks"`
	LowRisks         int               `json:"low_risks"`
	RiskDistribution map[RiskLevel]int `json:"risk_distribution"`
}

// Summarize counts findings by severity.
func Summarize(findings []RiskFinding) RiskSummary {
	s := RiskSummary{TotalRisks: len(findings)}
	for _, f := range findings {
		switch f.Level {
		case RiskHigh:
			s.HighRisks++
		case RiskMedium:
			s.MediumRisks++
		case RiskLow:
			s.LowRisks++
		}
	}
	s.RiskDistribution = map[RiskLevel]int{
		RiskHigh:   s.HighRisks,
		RiskMedium: s.MediumRisks,
		RiskLow:    s.LowRisks,
	}
	return s
}
