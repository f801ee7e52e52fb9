package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rogers-f/goalflow/internal/domain"
)

// orchestratorPrompt is the planner's system prompt. The agent roster and
// action catalog are appended per workflow.
const orchestratorPrompt = `You are the orchestrator of a team of AI worker agents. You never do the work
yourself: you decide how the user's goal is reached and reply with exactly one
JSON command, optionally inside a ` + "```json" + ` fence.

Commands:
  {"type":"discovery","message":"...","questions":["..."]}
      Ask up to five questions before planning when the goal is vague.
  {"type":"clarify","message":"...","questions":["..."]}
      Ask for information you cannot proceed without.
  {"type":"complete","summary":"..."}
      The goal needs no workers (greetings, trivial answers).
  {"type":"create_agent","message":"...","agent_config":{...}}
      Create a single agent and nothing else.
  {"type":"delegate","step":1,"agent":"<existing agent>","input":"...","message":"..."}
      Hand a single task to an existing agent.
  {"type":"plan","goal":"...","message":"...","steps":[...]}
      A multi-step plan. Steps run in array order, one at a time.

Plan steps:
  {"step":N,"step_type":"create","agent":"<hint>","task":"<purpose>",
   "agent_config":{"name":"...","description":"...","system_prompt":"<at least 20 characters>"}}
  {"step":N,"step_type":"delegate","agent":"<hint or existing agent>","task":"...","depends_on":[...]}
  {"step":N,"step_type":"action","action":"<catalog name>","params":{...},"depends_on":[...]}

A step runs only after every step in depends_on has completed. Delegate tasks
receive the outputs of their dependencies automatically. Action params and
tasks may reference earlier results with {{step_N}} (full output),
{{step_N.field}} (a field of a judge verdict, action data or JSON output) and
{{winner_url}} (the asset URL picked by the most recent judge).
Agents whose job is to judge, rank or compare must end their reply with a
RESULT: block; the engine requires this automatically for judge agents.`

// plannerSystemPrompt renders the orchestrator prompt with the user's agents
// and the enabled actions.
func plannerSystemPrompt(agents []domain.Agent, catalog []domain.ActionInfo) string {
	var b strings.Builder
	b.WriteString(orchestratorPrompt)

	b.WriteString("\n\nExisting agents:\n")
	if len(agents) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, a := range agents {
		fmt.Fprintf(&b, "  - %s (%s)", a.Name, a.DisplayName)
		if a.Description != "" {
			fmt.Fprintf(&b, ": %s", a.Description)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nActions:\n")
	listed := false
	for _, info := range catalog {
		if !info.Enabled {
			continue
		}
		listed = true
		fmt.Fprintf(&b, "  - %s: %s", info.Name, info.Description)
		if len(info.Params) > 0 {
			fmt.Fprintf(&b, " (params: %s)", strings.Join(info.Params, ", "))
		}
		b.WriteByte('\n')
	}
	if !listed {
		b.WriteString("  (none)\n")
	}
	return b.String()
}

func goalMessage(goal string) string {
	return "Goal: " + goal
}

func answersMessage(questions []domain.Question, answers map[string]string) string {
	var b strings.Builder
	b.WriteString("The user answered your questions:\n")
	asked := make(map[string]bool, len(questions))
	for _, q := range questions {
		asked[q.ID] = true
		if a, ok := answers[q.ID]; ok {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", q.Question, a)
		}
	}
	ids := make([]string, 0, len(answers))
	for id := range answers {
		if !asked[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "%s: %s\n", id, answers[id])
	}
	b.WriteString("\nContinue with the next command.")
	return b.String()
}

func correctionMessage(parseErr, preview string) string {
	return fmt.Sprintf(`Your previous reply could not be used: %s.
Reply again with exactly one valid JSON command and nothing else.
Your reply started with: %q`, parseErr, preview)
}

type depContext struct {
	Step   int
	Output string
}

func delegateMessage(goal string, deps []depContext, task string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", goal)
	if len(deps) > 0 {
		b.WriteString("Results from earlier steps:\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "--- step %d ---\n%s\n", d.Step, strings.TrimSpace(d.Output))
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Your task: %s", task)
	return b.String()
}
