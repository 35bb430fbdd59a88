package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"signals-backend/internal/inference"
	"signals-backend/internal/storage"
)

const (
	MaxContextEvents = 50
	sampleEvents     = 10
)

const systemPrompt = `You are an expert incident analyst for a software monitoring system. Analyze incident data and produce a concise, actionable summary.

For each incident provide:
1. A brief title (max 10 words)
2. Impact assessment (who or what is affected)
3. Likely root causes based on the error patterns
4. Key evidence from the events
5. Recommended next steps

Respond with valid JSON using exactly this structure:
{
  "title": "Brief incident title",
  "impact": "Description of business or user impact",
  "likely_causes": ["cause1", "cause2"],
  "evidence": ["evidence1", "evidence2"],
  "next_steps": ["step1", "step2"],
  "confidence": 0.85
}

Keep it short and focused on what an on-call engineer should do next.`

type eventSample struct {
	Time       string `json:"time"`
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	ErrorCode  any    `json:"error_code"`
	Route      any    `json:"route"`
	StatusCode any    `json:"status_code"`
}

type tally struct {
	key   string
	count int
}

// BuildMessages renders the prompt for an incident and its most recent events,
// which are expected newest first.
func BuildMessages(inc storage.Incident, evts []storage.IncidentEvent) []inference.Message {
	if len(evts) > MaxContextEvents {
		evts = evts[:MaxContextEvents]
	}
	samples := make([]eventSample, 0, len(evts))
	codes := map[string]int{}
	routes := map[string]int{}
	for _, evt := range evts {
		sample := eventSample{
			Time:       evt.OccurredAt.UTC().Format(time.RFC3339Nano),
			Type:       evt.EventType,
			Severity:   evt.Severity,
			ErrorCode:  evt.Attributes["error_code"],
			Route:      evt.Attributes["route"],
			StatusCode: evt.Attributes["status_code"],
		}
		if code := present(sample.ErrorCode); code != "" {
			codes[code]++
		}
		if route := present(sample.Route); route != "" {
			routes[route]++
		}
		samples = append(samples, sample)
	}

	var b strings.Builder
	b.WriteString("Analyze this incident and provide a summary:\n\n")
	b.WriteString("## Incident Details\n")
	fmt.Fprintf(&b, "- ID: %s\n", inc.ID)
	fmt.Fprintf(&b, "- Title: %s\n", inc.Title)
	fmt.Fprintf(&b, "- Status: %s\n", inc.Status)
	fmt.Fprintf(&b, "- Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "- Environment: %s\n", inc.Environment)
	fmt.Fprintf(&b, "- Fingerprint: %s\n", inc.Fingerprint)
	fmt.Fprintf(&b, "- Opened: %s\n", inc.OpenedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Last Seen: %s\n\n", inc.LastSeenAt.UTC().Format(time.RFC3339))

	b.WriteString("## Event Statistics\n")
	fmt.Fprintf(&b, "- Total Events: %d\n", len(evts))
	if len(evts) > 0 {
		fmt.Fprintf(&b, "- Time Range: %s to %s\n\n", samples[len(samples)-1].Time, samples[0].Time)
	} else {
		b.WriteString("- Time Range: N/A\n\n")
	}

	b.WriteString("## Error Code Distribution\n")
	writeDistribution(&b, codes, "- No error codes found")
	b.WriteString("\n## Route Distribution\n")
	writeDistribution(&b, routes, "- No routes found")

	fmt.Fprintf(&b, "\n## Sample Events (most recent %d)\n", sampleEvents)
	head := samples
	if len(head) > sampleEvents {
		head = head[:sampleEvents]
	}
	raw, _ := json.MarshalIndent(head, "", "  ")
	b.Write(raw)
	b.WriteString("\n\nProvide your analysis in the required JSON format.")

	return []inference.Message{
		{Role: inference.RoleSystem, Content: systemPrompt},
		{Role: inference.RoleUser, Content: b.String()},
	}
}

func present(val any) string {
	if val == nil {
		return ""
	}
	return fmt.Sprint(val)
}

func writeDistribution(b *strings.Builder, counts map[string]int, empty string) {
	if len(counts) == 0 {
		b.WriteString(empty + "\n")
		return
	}
	rows := make([]tally, 0, len(counts))
	for key, count := range counts {
		rows = append(rows, tally{key: key, count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].key < rows[j].key
	})
	for _, row := range rows {
		fmt.Fprintf(b, "- %s: %d occurrences\n", row.key, row.count)
	}
}
