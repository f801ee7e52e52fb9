// Package review recognizes judge/evaluator agents and parses the verdicts
// they emit.
package review

import (
	"strings"

	"github.com/rogers-f/goalflow/internal/domain"
)

// JudgeKeywords are matched case-insensitively against an agent's name,
// description, type and system prompt.
var JudgeKeywords = []string{
	"judge",
	"evaluator",
	"evaluate",
	"rank",
	"score",
	"compare",
	"critic",
	"winner",
	"assess",
	"pick the best",
	"choose the best",
	"select the best",
}

// ResultMarker introduces the structured verdict block.
const ResultMarker = "RESULT:"

// ResultRequirement is appended to a judge's system prompt.
const ResultRequirement = `

When you finish your evaluation you MUST end your reply with a line containing only
RESULT:
followed by a single JSON object with these keys:
  "winner": the label or name of the best candidate,
  "winner_asset_url": the URL or file path of the winning asset, if the candidates have one,
  "ranking": an array of candidate labels, best first,
  "reasoning_summary": one or two sentences explaining the decision.
Do not put anything after the JSON object.`

// IsJudgeText reports whether any keyword occurs in the given texts.
func IsJudgeText(texts ...string) bool {
	for _, t := range texts {
		lower := strings.ToLower(t)
		for _, kw := range JudgeKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// IsJudgeAgent classifies an agent config. Capabilities count as text.
func IsJudgeAgent(cfg domain.AgentConfig) bool {
	texts := []string{cfg.Name, cfg.Description, cfg.AgentType, cfg.SystemPrompt}
	texts = append(texts, cfg.Capabilities...)
	return IsJudgeText(texts...)
}

// WithResultRequirement appends ResultRequirement unless the prompt already
// demands a RESULT block.
func WithResultRequirement(systemPrompt string) string {
	if strings.Contains(systemPrompt, ResultMarker) {
		return systemPrompt
	}
	return strings.TrimRight(systemPrompt, "\n") + ResultRequirement
}
