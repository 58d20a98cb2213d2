package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
	"github.com/durarun/durarun/tool/builtin"
)

// buildRequest assembles the model request for the run's next turn: prior
// completed runs of the session as conversation history, the run's task,
// and the journal up to the last step boundary translated to messages.
// Entries of the open step are excluded so a re-generated turn sees the
// same context the interrupted turn saw; its already-journaled parts are
// skipped positionally by the replay counters.
func (e *Engine) buildRequest(ctx context.Context, run *storage.Run) (*model.Request, error) {
	history, err := e.sessionHistory(ctx, run)
	if err != nil {
		return nil, err
	}

	entries, err := e.store.ListEntries(ctx, run.ID, 0)
	if err != nil {
		return nil, err
	}

	messages := append(history, model.TextMessage(model.RoleUser, run.Task))
	messages = append(messages, translateJournal(closedSteps(entries))...)

	req := &model.Request{
		Model:    run.Config.Model,
		Messages: messages,
		Tools:    e.toolsFor(run.AgentKind),
	}
	if req.Model == "" {
		req.Model = e.defaultModel
	}
	if def := e.agentFor(run.AgentKind); def != nil {
		req.System = def.SystemPrompt
	}
	return req, nil
}

// sessionHistory renders prior completed runs as user/assistant pairs. The
// most recent runs appear verbatim; older ones are folded into a single
// deterministic summary. Failed, cancelled, running, and child runs are
// excluded.
func (e *Engine) sessionHistory(ctx context.Context, run *storage.Run) ([]model.Message, error) {
	runs, err := e.store.ListSessionRuns(ctx, run.SessionID)
	if err != nil {
		return nil, err
	}

	var prior []*storage.Run
	for _, r := range runs {
		if r.ID == run.ID || r.RunNumber >= run.RunNumber {
			continue
		}
		if r.Status != runstate.StatusCompleted || r.ParentRunID != nil {
			continue
		}
		prior = append(prior, r)
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].RunNumber < prior[j].RunNumber })

	var messages []model.Message

	if len(prior) > e.historyRuns {
		older := prior[:len(prior)-e.historyRuns]
		messages = append(messages,
			model.TextMessage(model.RoleUser, summarizeRuns(older)),
			model.TextMessage(model.RoleAssistant, "Understood."),
		)
		prior = prior[len(prior)-e.historyRuns:]
	}

	for _, r := range prior {
		reply := "(no reply recorded)"
		if r.Result != nil && r.Result.Message != "" {
			reply = r.Result.Message
		}
		messages = append(messages,
			model.TextMessage(model.RoleUser, r.Task),
			model.TextMessage(model.RoleAssistant, reply),
		)
	}
	return messages, nil
}

// summarizeRuns produces a deterministic digest of older runs. A model-made
// summary would read better, but a heuristic keeps history construction off
// the failure path of the hot loop.
func summarizeRuns(runs []*storage.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary of %d earlier task(s) in this session:\n", len(runs))
	for _, r := range runs {
		outcome := "done"
		if r.Result != nil && r.Result.Message != "" {
			outcome = truncate(r.Result.Message, 200)
		}
		fmt.Fprintf(&b, "- %s -> %s\n", truncate(r.Task, 200), outcome)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// closedSteps cuts the journal at the last step_complete, dropping entries
// of the still-open step.
func closedSteps(entries []journal.Entry) []journal.Entry {
	last := -1
	for i := range entries {
		if entries[i].Kind == journal.KindStepComplete {
			last = i
		}
	}
	return entries[:last+1]
}

// translateJournal converts the run's journal into conversation messages:
// text and tool calls become assistant blocks, tool outcomes become user
// tool_result blocks. Entries that carry no conversational content
// (step_complete, run_suspended, child bookkeeping) are skipped.
func translateJournal(entries []journal.Entry) []model.Message {
	var messages []model.Message
	var assistant []model.Block
	callsSeen := make(map[string]bool)

	flush := func() {
		if len(assistant) > 0 {
			messages = append(messages, model.Message{Role: model.RoleAssistant, Blocks: assistant})
			assistant = nil
		}
	}

	for i := range entries {
		payload, err := entries[i].Decode()
		if err != nil {
			continue
		}

		switch p := payload.(type) {
		case *journal.Text:
			assistant = append(assistant, model.Block{Type: model.BlockText, Text: p.Text})

		case *journal.ToolProposed:
			if !callsSeen[p.ToolCallID] {
				callsSeen[p.ToolCallID] = true
				assistant = append(assistant, model.Block{
					Type:       model.BlockToolUse,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Args:       p.Args,
				})
			}

		case *journal.ToolStarting:
			if !callsSeen[p.ToolCallID] {
				callsSeen[p.ToolCallID] = true
				assistant = append(assistant, model.Block{
					Type:       model.BlockToolUse,
					ToolCallID: p.ToolCallID,
					ToolName:   p.ToolName,
					Args:       p.Args,
				})
			}

		case *journal.ChildRunStarted:
			if p.ToolCallID != "" && !callsSeen[p.ToolCallID] {
				callsSeen[p.ToolCallID] = true
				args, err := json.Marshal(builtin.DelegateArgs{AgentKind: p.AgentKind, Task: p.Task})
				if err != nil {
					args = []byte(`{}`)
				}
				assistant = append(assistant, model.Block{
					Type:       model.BlockToolUse,
					ToolCallID: p.ToolCallID,
					ToolName:   builtin.DelegateName,
					Args:       args,
				})
			}

		case *journal.ToolComplete:
			flush()
			output := p.Output
			if output == "" {
				output = p.Summary
			}
			messages = append(messages, model.Message{Role: model.RoleUser, Blocks: []model.Block{{
				Type:       model.BlockToolResult,
				ToolCallID: p.ToolCallID,
				Output:     output,
				IsError:    !p.Success,
			}}})
		}
	}

	flush()
	return messages
}

// toolsFor returns the sorted tool list offered to an agent kind.
func (e *Engine) toolsFor(kind string) []tool.Tool {
	all := e.executor.Registry().All()

	var allowed map[string]bool
	if def := e.agentFor(kind); def != nil && len(def.Tools) > 0 {
		allowed = make(map[string]bool, len(def.Tools))
		for _, name := range def.Tools {
			allowed[name] = true
		}
	}

	names := make([]string, 0, len(all))
	for name := range all {
		if allowed == nil || allowed[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	tools := make([]tool.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, all[name])
	}
	return tools
}
