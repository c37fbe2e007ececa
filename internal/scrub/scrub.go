// Package scrub redacts secrets from unit content before it enters the
// layered store. Detection runs the gitleaks ruleset; each secret is replaced
// with a [REDACTED:rule:preview] marker so the surrounding text keeps its
// structure for compression and relevance scoring.
package scrub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"github.com/zricethezav/gitleaks/v8/report"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
)

const previewLen = 4

// Finding describes one redacted secret. The secret value is never retained;
// Preview carries the first few characters for operator triage.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
	Length      int    `json:"length"`
	Preview     string `json:"preview"`
}

// Result is the outcome of scrubbing one piece of content.
type Result struct {
	Content  string
	Findings []Finding
}

// Clean reports whether no secrets were found.
func (r Result) Clean() bool { return len(r.Findings) == 0 }

// Scrubber detects and redacts secrets in ingested content. The gitleaks
// ruleset is compiled once at construction; Scrub serializes detection, which
// is plenty for the single-writer ingest path.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *logging.Logger
}

// New builds a Scrubber with the default gitleaks ruleset, extended by the
// allowlist file named in the ingest configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Scrubber, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks ruleset: %w", err)
	}

	allow, err := LoadAllowlist(cfg.Ingest.AllowlistPath)
	if err != nil {
		return nil, err
	}
	if allow != nil {
		applyAllowlist(&detector.Config, allow)
	}

	return &Scrubber{
		detector: detector,
		logger:   logger.Named("scrub"),
	}, nil
}

// Scrub replaces every detected secret with a redaction marker and reports
// what was redacted.
func (s *Scrubber) Scrub(ctx context.Context, content string) Result {
	s.mu.Lock()
	found := s.detector.DetectString(content)
	s.mu.Unlock()

	scrubsTotal.Inc()
	if len(found) == 0 {
		return Result{Content: content}
	}

	findings := make([]Finding, 0, len(found))
	for _, f := range found {
		secret := secretOf(&f)
		findingsTotal.WithLabelValues(f.RuleID).Inc()
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Length:      len(secret),
			Preview:     preview(secret),
		})
	}

	s.logger.Warn(ctx, "secrets redacted from content",
		zap.Int("count", len(findings)),
		zap.Strings("rules", distinctRules(findings)),
	)
	return Result{Content: redact(content, found), Findings: findings}
}

// redact replaces each distinct secret value everywhere it occurs. Longest
// first: a secret embedding a shorter one must be replaced whole.
func redact(content string, found []report.Finding) string {
	type target struct {
		secret string
		marker string
	}
	seen := make(map[string]struct{}, len(found))
	targets := make([]target, 0, len(found))
	for i := range found {
		secret := secretOf(&found[i])
		if secret == "" {
			continue
		}
		if _, ok := seen[secret]; ok {
			continue
		}
		seen[secret] = struct{}{}
		targets = append(targets, target{
			secret: secret,
			marker: fmt.Sprintf("[REDACTED:%s:%s]", found[i].RuleID, preview(secret)),
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		return len(targets[i].secret) > len(targets[j].secret)
	})

	for _, t := range targets {
		content = strings.ReplaceAll(content, t.secret, t.marker)
	}
	return content
}

func secretOf(f *report.Finding) string {
	if f.Secret != "" {
		return f.Secret
	}
	return f.Match
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

func distinctRules(findings []Finding) []string {
	seen := make(map[string]struct{}, len(findings))
	rules := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = struct{}{}
		rules = append(rules, f.RuleID)
	}
	sort.Strings(rules)
	return rules
}

// applyAllowlist merges the loaded patterns into the gitleaks config as one
// global allowlist entry. Patterns were validated at load time.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	entry := &gitleaksConfig.Allowlist{Description: "budgetd ingest allowlist"}
	for _, pattern := range allow.Paths {
		entry.Paths = append(entry.Paths, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allow.Regexes {
		entry.Regexes = append(entry.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	entry.StopWords = append(entry.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, entry)
}
