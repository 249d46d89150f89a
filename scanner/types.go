package scanner

import (
	"fmt"
	"strings"
)

// Severity 常量定义
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// 威胁类型常量
const (
	ThreatDynamicExec     = "dynamic_execution"
	ThreatForbiddenImport = "forbidden_import"
	ThreatFinancialDrain  = "financial_drain"
	ThreatSecretLeak      = "secret_leak"
	ThreatBusyLoop        = "busy_loop"
	ThreatInjectionSink   = "injection_sink"
	ThreatCredentialURL   = "credential_url"
	ThreatEnvProbe        = "env_probe"
	ThreatHugeLoop        = "huge_loop"
	ThreatDebugArtifact   = "debug_artifact"
)

// severityWeight 每个严重级别的固定扣分
var severityWeight = map[string]int{
	SeverityCritical: 30,
	SeverityHigh:     15,
	SeverityMedium:   5,
	SeverityLow:      1,
}

// severityOrder 严重级别排序（数字越大越严重）
var severityOrder = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// compareSeverity 比较两个严重级别
// 返回: >0 如果 a > b, <0 如果 a < b, 0 如果相等
func compareSeverity(a, b string) int {
	return severityOrder[a] - severityOrder[b]
}

// Threat 单个威胁发现
// 每次扫描都重新生成，只嵌在 ScanResult 里，从不单独持久化
type Threat struct {
	Type           string `json:"type"`
	Severity       string `json:"severity"`
	Description    string `json:"description"`
	Line           int    `json:"line,omitempty"` // 1-based，0 表示整段代码
	Recommendation string `json:"recommendation,omitempty"`
}

// ScanResult 完整扫描结果
type ScanResult struct {
	Threats []Threat `json:"threats"`
	Score   int      `json:"score"` // 0-100，100 为完全干净
	Passed  bool     `json:"passed"`
	Summary string   `json:"summary"`
}

// CountBySeverity 统计指定严重级别的威胁数量
func (r *ScanResult) CountBySeverity(severity string) int {
	n := 0
	for _, t := range r.Threats {
		if t.Severity == severity {
			n++
		}
	}
	return n
}

// HighestSeverity 返回最高严重级别，无威胁时返回空字符串
func (r *ScanResult) HighestSeverity() string {
	highest := ""
	for _, t := range r.Threats {
		if highest == "" || compareSeverity(t.Severity, highest) > 0 {
			highest = t.Severity
		}
	}
	return highest
}

// QuickResult 快速扫描结果，只覆盖 critical/high 两级规则
// 作为每次执行前的最后一道门禁
type QuickResult struct {
	Safe   bool     `json:"safe"`
	Issues []string `json:"issues,omitempty"`
}

// buildSummary 根据威胁列表机械地生成分级摘要
func buildSummary(threats []Threat, score int, passed bool) string {
	if len(threats) == 0 {
		return "No threats detected. Score 100/100."
	}

	counts := make(map[string]int)
	for _, t := range threats {
		counts[t.Severity]++
	}

	parts := make([]string, 0, 4)
	for _, sev := range []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[sev], sev))
		}
	}

	verdict := "PASSED"
	if !passed {
		verdict = "FAILED"
	}

	return fmt.Sprintf("%d threat(s) detected (%s). Score %d/100. %s.",
		len(threats), strings.Join(parts, ", "), score, verdict)
}
