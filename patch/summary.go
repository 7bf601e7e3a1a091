package patch

import (
	"fmt"
	"strings"
	"time"
)

// Summary status markers. The lifecycle tracker classifies a summary by
// the marker line in its header.
const (
	MarkerSuccess = "Status: SUCCESS"
	MarkerFailure = "Status: FAILED"
)

const (
	linePatch    = "Patch: "
	lineStarted  = "Started: "
	lineFinished = "Finished: "
)

var flatten = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// RenderSummary produces the human-readable summary document for a result.
// The header block comes first and holds only engine-controlled single
// lines; producer text follows after the first blank line.
func RenderSummary(r *ExecutionResult, description, producerSummary string) string {
	var b strings.Builder
	id := flatten.Replace(r.PatchID)
	fmt.Fprintf(&b, "# Patch %s\n", id)
	fmt.Fprintf(&b, "%s%s\n", linePatch, id)
	fmt.Fprintf(&b, "Domain: %s\n", flatten.Replace(r.Domain))
	fmt.Fprintf(&b, "Source: %s\n", flatten.Replace(r.SourceName))
	fmt.Fprintf(&b, "%s%s\n", lineStarted, r.StartedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "%s%s\n", lineFinished, r.FinishedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "Stages: %s\n", strings.Join(r.StagesRun, ", "))
	if r.Succeeded() {
		fmt.Fprintf(&b, "%s\n", MarkerSuccess)
	} else {
		fmt.Fprintf(&b, "%s\n", MarkerFailure)
		fmt.Fprintf(&b, "Failed stage: %s\n", r.FailedStage)
	}

	if description != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimRight(description, "\n"))
	}
	if !r.Succeeded() && r.Error != "" {
		fmt.Fprintf(&b, "\n## Error\n\n%s\n", strings.TrimRight(r.Error, "\n"))
	}
	if len(r.Commands) > 0 {
		b.WriteString("\n## Commands\n\n")
		for _, c := range r.Commands {
			fmt.Fprintf(&b, "- %s: `%s` (exit %d)\n", c.Stage, flatten.Replace(c.Line), c.ExitCode)
		}
	}
	if producerSummary != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", strings.TrimRight(producerSummary, "\n"))
	}
	return b.String()
}

// SummaryStatus is what a summary says about its execution
type SummaryStatus string

const (
	SummarySuccess    SummaryStatus = "SUCCESS"
	SummaryFailed     SummaryStatus = "FAILED"
	SummaryIncomplete SummaryStatus = "INCOMPLETE"
)

// SummaryInfo is the parsed form of a summary document
type SummaryInfo struct {
	PatchID    string
	Status     SummaryStatus
	StartedAt  time.Time
	FinishedAt time.Time
}

// ParseSummary reads the header block: the lines up to the first blank line
// after leading blanks. Text below the header is never consulted. The first
// marker line wins; unknown header lines are ignored.
func ParseSummary(text string) SummaryInfo {
	info := SummaryInfo{Status: SummaryIncomplete}
	inHeader := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			if inHeader {
				break
			}
			continue
		}
		inHeader = true
		switch {
		case info.Status == SummaryIncomplete && strings.HasPrefix(line, MarkerSuccess):
			info.Status = SummarySuccess
		case info.Status == SummaryIncomplete && strings.HasPrefix(line, MarkerFailure):
			info.Status = SummaryFailed
		case strings.HasPrefix(line, linePatch):
			info.PatchID = strings.TrimSpace(strings.TrimPrefix(line, linePatch))
		case strings.HasPrefix(line, lineStarted):
			info.StartedAt = parseTime(strings.TrimPrefix(line, lineStarted))
		case strings.HasPrefix(line, lineFinished):
			info.FinishedAt = parseTime(strings.TrimPrefix(line, lineFinished))
		}
	}
	return info
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
