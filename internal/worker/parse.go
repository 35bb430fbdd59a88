package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var ErrParse = errors.New("invalid ai response")

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

type Summary struct {
	Title        string   `json:"title"`
	Impact       string   `json:"impact"`
	LikelyCauses []string `json:"likely_causes"`
	Evidence     []string `json:"evidence"`
	NextSteps    []string `json:"next_steps"`
	Confidence   float64  `json:"confidence"`
}

// ParseSummary extracts the outermost JSON object from a model reply and fills defaults.
func ParseSummary(text string) (Summary, error) {
	match := jsonObject.FindString(text)
	if match == "" {
		return Summary{}, fmt.Errorf("%w: no JSON found", ErrParse)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(match), &raw); err != nil {
		return Summary{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	title, ok := raw["title"].(string)
	if !ok || title == "" {
		return Summary{}, fmt.Errorf("%w: missing title", ErrParse)
	}
	out := Summary{
		Title:        title,
		Impact:       "Unknown impact",
		LikelyCauses: stringList(raw["likely_causes"]),
		Evidence:     stringList(raw["evidence"]),
		NextSteps:    stringList(raw["next_steps"]),
		Confidence:   0.5,
	}
	if impact, ok := raw["impact"].(string); ok && impact != "" {
		out.Impact = impact
	}
	if conf, ok := raw["confidence"].(float64); ok {
		out.Confidence = min(max(conf, 0), 1)
	}
	return out, nil
}

func stringList(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		if item != nil {
			raw, _ := json.Marshal(item)
			out = append(out, string(raw))
		}
	}
	return out
}
