package classifier

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/davidleathers/threatguard/internal/domain/security"
)

// Library separates the general web patterns from the AI prompt patterns
type Library string

const (
	LibraryGeneral Library = "general"
	LibraryAI      Library = "ai"
)

// PatternDef is one row of the pattern table
type PatternDef struct {
	Name       string              `yaml:"name" json:"name"`
	Library    Library             `yaml:"library" json:"library"`
	Expression string              `yaml:"pattern" json:"pattern"`
	ThreatType security.ThreatType `yaml:"threat_type" json:"threat_type"`
	Severity   security.Severity   `yaml:"severity" json:"severity"`
}

// PatternFile is the on-disk layout of a pattern table
type PatternFile struct {
	Patterns []PatternDef `yaml:"patterns"`
}

// Pattern is a compiled PatternDef
type Pattern struct {
	PatternDef
	Learned bool
	re      *regexp.Regexp
}

// Compile validates def and compiles it case-insensitively
func Compile(def PatternDef) (*Pattern, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("pattern has no name")
	}
	if def.Expression == "" {
		return nil, fmt.Errorf("pattern %s has no expression", def.Name)
	}
	if def.Library != LibraryGeneral && def.Library != LibraryAI {
		return nil, fmt.Errorf("pattern %s: unknown library %q", def.Name, def.Library)
	}
	if def.ThreatType == "" {
		return nil, fmt.Errorf("pattern %s has no threat type", def.Name)
	}
	if !def.Severity.IsValid() || def.Severity == security.SeverityNone {
		return nil, fmt.Errorf("pattern %s: invalid severity %q", def.Name, def.Severity)
	}
	re, err := regexp.Compile("(?i)" + def.Expression)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", def.Name, err)
	}
	return &Pattern{PatternDef: def, re: re}, nil
}

// LoadPatternFile reads a YAML pattern table
func LoadPatternFile(path string) ([]PatternDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	var file PatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file %s: %w", path, err)
	}
	return file.Patterns, nil
}

// DefaultPatterns returns the built-in pattern table
func DefaultPatterns() []PatternDef {
	return []PatternDef{
		// General
		{"sql_union_select", LibraryGeneral, `union\s+(all\s+)?select`, security.ThreatSQLInjection, security.SeverityHigh},
		{"sql_tautology", LibraryGeneral, `'\s*or\s+'?\d+'?\s*=\s*'?\d+`, security.ThreatSQLInjection, security.SeverityHigh},
		{"sql_destructive", LibraryGeneral, `;\s*(drop|delete|truncate)\s+(table|from)`, security.ThreatSQLInjection, security.SeverityCritical},
		{"sql_comment", LibraryGeneral, `'\s*(--|#)`, security.ThreatSQLInjection, security.SeverityMedium},
		{"xss_script_tag", LibraryGeneral, `<script[^>]*>`, security.ThreatXSS, security.SeverityHigh},
		{"xss_event_handler", LibraryGeneral, `\bon(error|load|click|mouseover|focus)\s*=`, security.ThreatXSS, security.SeverityMedium},
		{"xss_javascript_uri", LibraryGeneral, `javascript\s*:`, security.ThreatXSS, security.SeverityMedium},
		{"path_dot_dot", LibraryGeneral, `\.\.[/\\]`, security.ThreatPathTraversal, security.SeverityHigh},
		{"path_system_file", LibraryGeneral, `/etc/(passwd|shadow|hosts)`, security.ThreatPathTraversal, security.SeverityHigh},
		{"cmd_chained_shell", LibraryGeneral, `[;&|]\s*(cat|ls|rm|wget|curl|nc|bash|sh|chmod)\b`, security.ThreatCommandInjection, security.SeverityHigh},
		{"cmd_substitution", LibraryGeneral, "\\$\\([^)]*\\)|`[^`]+`", security.ThreatCommandInjection, security.SeverityMedium},
		{"sensitive_card_number", LibraryGeneral, `\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{1,4}\b`, security.ThreatSensitiveData, security.SeverityMedium},
		{"sensitive_ssn", LibraryGeneral, `\b\d{3}-\d{2}-\d{4}\b`, security.ThreatSensitiveData, security.SeverityMedium},
		{"sensitive_credential", LibraryGeneral, `\b(api[_-]?key|secret[_-]?key|password)\s*[:=]\s*\S+`, security.ThreatSensitiveData, security.SeverityHigh},

		// AI
		{"prompt_ignore_instructions", LibraryAI, `(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|your)\s+(instructions|rules|guidelines)`, security.ThreatPromptInjection, security.SeverityHigh},
		{"prompt_role_override", LibraryAI, `(you\s+are\s+now|pretend\s+to\s+be|act\s+as)\s+(an?\s+)?(unrestricted|unfiltered|jailbroken|evil)`, security.ThreatPromptInjection, security.SeverityHigh},
		{"prompt_system_reveal", LibraryAI, `(reveal|show|print|repeat)\s+(me\s+)?(your\s+)?(system\s+prompt|hidden\s+instructions|initial\s+instructions)`, security.ThreatPromptInjection, security.SeverityHigh},
		{"prompt_jailbreak", LibraryAI, `\b(jailbreak|dan\s+mode|developer\s+mode\s+enabled)\b`, security.ThreatPromptInjection, security.SeverityCritical},
		{"model_internals", LibraryAI, `(your|the\s+model'?s?)\s+(weights|parameters|architecture|training\s+config)`, security.ThreatModelManipulation, security.SeverityMedium},
		{"model_poisoning", LibraryAI, `(retrain|fine-?tune|poison|overwrite)\s+(yourself|the\s+model|your\s+(memory|training))`, security.ThreatModelManipulation, security.SeverityHigh},
		{"exfil_training_data", LibraryAI, `(training\s+data|dump\s+(all\s+)?(data|records|users|database))`, security.ThreatDataExfiltration, security.SeverityHigh},
		{"exfil_other_users", LibraryAI, `(other\s+users?'?s?|all\s+users?'?)\s+(data|conversations|messages|emails|history)`, security.ThreatDataExfiltration, security.SeverityHigh},
		{"resource_repetition", LibraryAI, `repeat\s+.{0,40}\b\d{3,}\s+times`, security.ThreatResourceAbuse, security.SeverityMedium},
		{"resource_unbounded", LibraryAI, `(infinite|endless)\s+(loop|output)|never\s+stop\s+(generating|writing)`, security.ThreatResourceAbuse, security.SeverityMedium},
	}
}
