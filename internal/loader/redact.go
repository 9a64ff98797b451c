package loader

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// Redactor scrubs secrets from chunk text before it is embedded.
type Redactor interface {
	Redact(chunks []document.Chunk) []document.Chunk
}

// SecretRedactor replaces secrets found by the gitleaks default rule set
// with [REDACTED:rule-id] markers. Repositories routinely contain committed
// tokens and those must never reach the embeddings provider or the chat
// context.
type SecretRedactor struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// NewSecretRedactor loads the gitleaks default configuration.
func NewSecretRedactor(logger *zap.Logger) (*SecretRedactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretRedactor{detector: detector, logger: logger}, nil
}

// Redact returns chunks with secrets replaced. Chunk IDs are left as they
// were so reprocessing stays idempotent.
func (r *SecretRedactor) Redact(chunks []document.Chunk) []document.Chunk {
	for i := range chunks {
		content, rules := r.redactString(chunks[i].PageContent)
		if len(rules) == 0 {
			continue
		}
		chunks[i].PageContent = content
		r.logger.Info("redacted secrets from repository file",
			zap.String("path", chunks[i].Metadata.Loc.Path),
			zap.Strings("rules", rules),
		)
	}
	return chunks
}

func (r *SecretRedactor) redactString(content string) (string, []string) {
	r.mu.Lock()
	findings := r.detector.DetectString(content)
	r.mu.Unlock()

	if len(findings) == 0 {
		return content, nil
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.Slice(findings, func(i, j int) bool { return len(findings[i].Secret) > len(findings[j].Secret) })

	seen := make(map[string]bool)
	var rules []string
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, "[REDACTED:"+f.RuleID+"]")
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	sort.Strings(rules)
	return content, rules
}
