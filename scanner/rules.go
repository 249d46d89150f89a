package scanner

import (
	"regexp"
	"strings"
)

// ruleScope 规则匹配范围
type ruleScope int

const (
	scopeLine   ruleScope = iota // 逐行匹配
	scopeSource                  // 整段源码匹配（跨行结构）
)

// Rule 单条威胁检测规则
// guard 为可选的二次判定：返回 false 时丢弃该匹配（用于排除合法写法）
type Rule struct {
	Type           string
	Severity       string
	Pattern        *regexp.Regexp
	Description    string
	Recommendation string

	scope ruleScope
	guard func(src string, loc []int) bool
}

// forbiddenModules 禁止脚本引入的宿主模块清单
// 沙箱本身不提供模块加载，这份清单让违规意图在执行前就被拦下
var forbiddenModules = []string{
	"child_process", "worker_threads", "cluster",
	"fs", "os", "path", "process", "v8", "vm",
	"net", "tls", "dgram", "dns", "http", "https",
}

// defaultRules 返回默认规则集，按类别排列
func defaultRules() []*Rule {
	modAlt := strings.Join(forbiddenModules, "|")

	return []*Rule{
		// 动态执行
		{
			Type:           ThreatDynamicExec,
			Severity:       SeverityCritical,
			Pattern:        regexp.MustCompile(`\beval\s*\(`),
			Description:    "eval() executes arbitrary code at runtime",
			Recommendation: "Remove eval(); compute the value directly",
			scope:          scopeLine,
		},
		{
			Type:           ThreatDynamicExec,
			Severity:       SeverityCritical,
			Pattern:        regexp.MustCompile(`\bnew\s+Function\s*\(`),
			Description:    "Function constructor builds code from strings",
			Recommendation: "Define the function statically instead",
			scope:          scopeLine,
		},
		{
			Type:           ThreatDynamicExec,
			Severity:       SeverityCritical,
			Pattern:        regexp.MustCompile(`\bset(Timeout|Interval)\s*\(\s*["']`),
			Description:    "String argument to a timer is implicit eval",
			Recommendation: "Pass a function reference to the timer",
			scope:          scopeLine,
		},

		// 禁用模块引入
		{
			Type:           ThreatForbiddenImport,
			Severity:       SeverityCritical,
			Pattern:        regexp.MustCompile(`(?:require\s*\(\s*["']|import\s*\(\s*["']|from\s+["']|import\s+["'])(?:` + modAlt + `)["']`),
			Description:    "Import of a host module outside the sandbox surface",
			Recommendation: "Use the provided capability functions instead of host modules",
			scope:          scopeLine,
		},
		{
			Type:           ThreatEnvProbe,
			Severity:       SeverityMedium,
			Pattern:        regexp.MustCompile(`\bprocess\.(env|exit|kill|argv)\b`),
			Description:    "Access to the host process environment",
			Recommendation: "Environment access is unavailable; pass values through task config",
			scope:          scopeLine,
		},

		// 资金流失
		{
			Type:           ThreatFinancialDrain,
			Severity:       SeverityCritical,
			Pattern:        regexp.MustCompile(`(?i)\bapprove\s*\([^)]*(maxuint256|unlimited|0x[f]{8,}|2\s*\*\*\s*256)`),
			Description:    "Unlimited token approval",
			Recommendation: "Approve the exact amount needed for the operation",
			scope:          scopeLine,
		},
		{
			Type:           ThreatFinancialDrain,
			Severity:       SeverityHigh,
			Pattern:        regexp.MustCompile(`\b(?:for|while)\s*\([^)]*\)`),
			Description:    "Transfer call inside a loop can drain funds",
			Recommendation: "Move transfers out of loops and bound the amount",
			scope:          scopeSource,
			guard: func(src string, loc []int) bool {
				body := blockAfter(src, loc[1])
				return transferCallRe.MatchString(body)
			},
		},

		// 密钥泄漏（按形状匹配，不做语义判断）
		{
			Type:           ThreatSecretLeak,
			Severity:       SeverityHigh,
			Pattern:        regexp.MustCompile(`(?i)(private_?key|secret_?key|mnemonic|seed_?phrase)\s*[:=]\s*["'][^"']{16,}["']`),
			Description:    "Hard-coded secret assigned to a key-named variable",
			Recommendation: "Never embed secrets in task code",
			scope:          scopeLine,
		},
		{
			Type:           ThreatSecretLeak,
			Severity:       SeverityHigh,
			Pattern:        regexp.MustCompile(`["'](?:0x)?[0-9a-fA-F]{64}["']`),
			Description:    "64-hex literal shaped like a private key",
			Recommendation: "Never embed raw key material in task code",
			scope:          scopeLine,
		},
		{
			Type:           ThreatSecretLeak,
			Severity:       SeverityHigh,
			Pattern:        regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
			Description:    "Literal shaped like a bot API token",
			Recommendation: "Never embed bot tokens in task code",
			scope:          scopeLine,
		},

		// 忙等循环：没有任何让出点的无限循环
		{
			Type:           ThreatBusyLoop,
			Severity:       SeverityHigh,
			Pattern:        regexp.MustCompile(`while\s*\(\s*(?:true|1)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Description:    "Unbounded loop without await/sleep",
			Recommendation: "Add sleep() or an isStopped() check inside the loop",
			scope:          scopeSource,
			guard: func(src string, loc []int) bool {
				body := blockAfter(src, loc[1])
				return !yieldRe.MatchString(body)
			},
		},
		{
			Type:           ThreatHugeLoop,
			Severity:       SeverityMedium,
			Pattern:        regexp.MustCompile(`for\s*\([^)]*<\s*\d{7,}`),
			Description:    "Loop bound in the millions",
			Recommendation: "Process data in bounded batches",
			scope:          scopeLine,
		},

		// 注入与凭据
		{
			Type:           ThreatInjectionSink,
			Severity:       SeverityMedium,
			Pattern:        regexp.MustCompile(`\.innerHTML\s*=|document\.write\s*\(`),
			Description:    "Direct HTML injection sink",
			Recommendation: "The sandbox has no DOM; remove browser-only code",
			scope:          scopeLine,
		},
		{
			Type:           ThreatCredentialURL,
			Severity:       SeverityMedium,
			Pattern:        regexp.MustCompile(`https?://[^\s/'"]+:[^\s@'"]+@`),
			Description:    "URL embeds basic-auth credentials",
			Recommendation: "Strip credentials from URLs; use headers set from config",
			scope:          scopeLine,
		},

		// 调试残留
		{
			Type:           ThreatDebugArtifact,
			Severity:       SeverityLow,
			Pattern:        regexp.MustCompile(`\bdebugger\b|console\.trace\s*\(|\balert\s*\(`),
			Description:    "Debug artifact left in code",
			Recommendation: "Remove debug statements before deployment",
			scope:          scopeLine,
		},
	}
}

var (
	transferCallRe = regexp.MustCompile(`\.(?:transfer|send|sendTransaction|sendTon|sendCoins)\s*\(`)
	yieldRe        = regexp.MustCompile(`\bawait\b|\bsleep\s*\(|\bisStopped\s*\(`)
)

// blockAfter 提取 from 之后第一个 { ... } 块的内容
// 没有花括号时退化为单语句（取到分号或行尾）；只做浅层括号计数，不是完整解析
func blockAfter(src string, from int) string {
	const maxScan = 4000

	i := from
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\r' || src[i] == '\n') {
		i++
	}
	if i >= len(src) {
		return ""
	}

	if src[i] != '{' {
		end := i
		for end < len(src) && src[end] != '\n' && src[end] != ';' {
			end++
		}
		return src[i:end]
	}

	depth := 0
	end := i + maxScan
	if end > len(src) {
		end = len(src)
	}
	for j := i; j < end; j++ {
		switch src[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return src[i+1 : j]
			}
		}
	}
	return src[i+1 : end]
}

// lineAt 计算字节偏移对应的 1-based 行号
func lineAt(src string, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	return 1 + strings.Count(src[:pos], "\n")
}
