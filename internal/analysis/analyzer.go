// Package analysis defines the contract with the external analysis step and
// an HTTP client implementation of it. The core's contract is narrow: send
// the checklist plus the gathered results, get back either the configured
// "nothing needs attention" sentinel or free-form alert text.
package analysis

import (
	"context"
	"strings"

	"github.com/vigild/vigild/internal/tool"
)

// Request is the aggregate report handed to the analysis collaborator.
type Request struct {
	Checklist string              `json:"checklist"`
	Results   []tool.GatherResult `json:"results"`
}

// Verdict is the analysis outcome the runner acts on.
type Verdict struct {
	OK      bool   // the sentinel came back, nothing needs attention
	Message string // alert text when OK is false
}

// Analyzer is the external analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Verdict, error)
}

// ParseVerdict classifies a raw analysis reply against the sentinel. The
// comparison trims whitespace; anything that is not exactly the sentinel is
// alert text.
func ParseVerdict(reply, sentinel string) Verdict {
	trimmed := strings.TrimSpace(reply)
	if trimmed == sentinel {
		return Verdict{OK: true}
	}
	return Verdict{OK: false, Message: trimmed}
}
