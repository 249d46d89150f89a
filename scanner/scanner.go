// Package scanner 对生成的任务代码做静态威胁扫描。
// 纯模式匹配（不做语义解析），作为任务创建、编辑以及每次执行前的同步门禁。
// 混淆过的等价写法不在捕获范围内，这是既定取舍，换来零依赖、始终可用。
package scanner

import (
	"fmt"
	"regexp"
	"strings"
)

// Config 扫描器配置
type Config struct {
	// CustomPatterns 追加的自定义规则，按 high 级别处理
	CustomPatterns []string
	// DisabledTypes 按威胁类型禁用内置规则
	DisabledTypes []string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{}
}

// Scanner 静态威胁扫描器
// 无内部状态，可在多个 goroutine 间共享
type Scanner struct {
	rules []*Rule
}

// New 创建扫描器
func New(config *Config) *Scanner {
	if config == nil {
		config = DefaultConfig()
	}

	disabled := make(map[string]bool, len(config.DisabledTypes))
	for _, t := range config.DisabledTypes {
		disabled[t] = true
	}

	s := &Scanner{rules: make([]*Rule, 0, 16)}
	for _, rule := range defaultRules() {
		if !disabled[rule.Type] {
			s.rules = append(s.rules, rule)
		}
	}

	for _, pattern := range config.CustomPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			s.rules = append(s.rules, &Rule{
				Type:        "custom",
				Severity:    SeverityHigh,
				Pattern:     re,
				Description: "Custom blocked pattern",
				scope:       scopeLine,
			})
		}
	}

	return s
}

// Scan 运行全部规则，返回完整扫描结果
// 扣分权重 critical=30 / high=15 / medium=5 / low=1，score = max(0, 100-总扣分)
// 通过条件：没有 critical，且 high 不超过一个
func (s *Scanner) Scan(code string) *ScanResult {
	threats := s.detect(code, false)

	deduction := 0
	critical, high := 0, 0
	for _, t := range threats {
		deduction += severityWeight[t.Severity]
		switch t.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}

	score := 100 - deduction
	if score < 0 {
		score = 0
	}
	passed := critical == 0 && high <= 1

	return &ScanResult{
		Threats: threats,
		Score:   score,
		Passed:  passed,
		Summary: buildSummary(threats, score, passed),
	}
}

// QuickScan 只跑 critical/high 两级规则，作为执行前的最后门禁
func (s *Scanner) QuickScan(code string) *QuickResult {
	threats := s.detect(code, true)
	if len(threats) == 0 {
		return &QuickResult{Safe: true}
	}

	issues := make([]string, 0, len(threats))
	for _, t := range threats {
		if t.Line > 0 {
			issues = append(issues, fmt.Sprintf("%s (line %d)", t.Description, t.Line))
		} else {
			issues = append(issues, t.Description)
		}
	}
	return &QuickResult{Safe: false, Issues: issues}
}

// detect 执行规则匹配；quick 为 true 时跳过 medium/low 规则
func (s *Scanner) detect(code string, quick bool) []Threat {
	var threats []Threat
	lines := strings.Split(code, "\n")

	for _, rule := range s.rules {
		if quick && severityOrder[rule.Severity] < severityOrder[SeverityHigh] {
			continue
		}

		switch rule.scope {
		case scopeLine:
			for i, line := range lines {
				for range rule.Pattern.FindAllStringIndex(line, -1) {
					threats = append(threats, Threat{
						Type:           rule.Type,
						Severity:       rule.Severity,
						Description:    rule.Description,
						Line:           i + 1,
						Recommendation: rule.Recommendation,
					})
				}
			}
		case scopeSource:
			for _, loc := range rule.Pattern.FindAllStringIndex(code, -1) {
				if rule.guard != nil && !rule.guard(code, loc) {
					continue
				}
				threats = append(threats, Threat{
					Type:           rule.Type,
					Severity:       rule.Severity,
					Description:    rule.Description,
					Line:           lineAt(code, loc[0]),
					Recommendation: rule.Recommendation,
				})
			}
		}
	}

	return threats
}
