package storage

import (
	"strings"
	"time"

	"github.com/triage-ai/guardian/internal/engine"
	"github.com/triage-ai/guardian/internal/textutil"
)

// EventWriter persists analysis events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AnalysisEvent)
	Close()
}

// AnalysisEvent is one completed Analyze call as recorded in history.
type AnalysisEvent struct {
	RequestID       string
	Timestamp       time.Time
	Fingerprint     string
	// First 500 runes; code blocks are dropped when the security check
	// flagged them or did not finish.
	ContentPreview  string
	ContentSize     uint32
	Domain          string
	Intent          string
	Source          string
	URL             string
	RiskLevel       string
	IsSafe          bool
	GuardianScore   float32
	ConfidenceScore float32
	ValidatorNames  []string
	ValidatorPassed []bool
	ValidatorScores []float32
	Issues          []string
	Cache           string // hit, miss or shared
	LatencyMs       float32
	UserID          string
	Transport       string // "http", "grpc" or "cli"
}

// ContentPreviewLength is the max runes stored in content_preview.
const ContentPreviewLength = 500

// NewAnalysisEvent builds the history record for one analysis outcome.
func NewAnalysisEvent(requestID, transport, userID, content string, actx engine.AnalysisContext, out *engine.Outcome) *AnalysisEvent {
	r := out.Result
	ev := &AnalysisEvent{
		RequestID:       requestID,
		Timestamp:       r.Timestamp,
		Fingerprint:     out.Fingerprint,
		ContentPreview:  TruncateContent(previewSource(content, r), ContentPreviewLength),
		ContentSize:     uint32(len(content)),
		Domain:          actx.Domain,
		Intent:          actx.Intent,
		Source:          actx.Source,
		URL:             actx.URL,
		RiskLevel:       r.RiskLevel.String(),
		IsSafe:          r.IsSafe,
		GuardianScore:   float32(r.GuardianScore),
		ConfidenceScore: float32(r.ConfidenceScore),
		Issues:          r.DetectedIssues,
		Cache:           out.Cache,
		LatencyMs:       float32(out.Duration.Microseconds()) / 1000,
		UserID:          userID,
		Transport:       transport,
	}
	for _, vr := range r.ValidationResults {
		ev.ValidatorNames = append(ev.ValidatorNames, vr.ValidationType.String())
		ev.ValidatorPassed = append(ev.ValidatorPassed, vr.Passed)
		ev.ValidatorScores = append(ev.ValidatorScores, float32(vr.Confidence))
	}
	return ev
}

// previewSource keeps flagged code out of history: security findings are
// redacted in the issues, so the preview must not carry them either.
func previewSource(content string, r *engine.GuardianResult) string {
	sec := r.Result(engine.ValidationSecurity)
	if sec != nil && sec.Passed && !sec.Errored() {
		return content
	}
	blocks, prose := textutil.SplitFences(content)
	if len(blocks) == 0 {
		return content
	}
	return strings.TrimSpace(prose)
}

// TruncateContent returns the first maxLen runes of content for preview
// storage. It never splits a multi-byte UTF-8 character.
func TruncateContent(content string, maxLen int) string {
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen])
}
