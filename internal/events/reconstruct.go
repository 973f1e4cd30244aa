package events

import (
	"encoding/json"
	"fmt"

	"github.com/arbor-sh/arbor/pkg/models"
)

// Transcript is the provider-ready conversation derived from a lineage.
type Transcript struct {
	// Messages in conversation order. Tool calls appear as tool_use
	// blocks on assistant messages, results as tool_result blocks on
	// user messages, matching what every adapter expects.
	Messages []models.Message

	// Summary is the text of the last applied compaction summary, empty
	// if the lineage has no surviving compaction.
	Summary string
}

// cancelledResultContent is the synthetic body given to tool calls that
// never received a result, so providers accept the transcript.
const cancelledResultContent = "Tool execution was cancelled before a result was produced."

// Reconstruct folds a root-to-head lineage into a Transcript.
//
// Folding rules:
//   - message.user/assistant/system become messages, skipping any whose
//     event id was tombstoned by a later message.deleted.
//   - tool.call attaches a tool_use block to the trailing assistant
//     message (creating one if needed); tool.result attaches a
//     tool_result block to the trailing user result message. A
//     tombstoned tool.result is skipped, leaving its call to close
//     with the synthetic cancelled result.
//   - compact.summary replaces everything accumulated so far with the
//     summary rendered as a user message.
//   - context.cleared drops everything accumulated so far.
//   - stream.*, hook.*, file.*, and the other bookkeeping types are
//     skipped.
//   - a tool.call with no tool.result by the next message boundary (or
//     end of lineage) receives a synthetic cancelled tool_result.
func Reconstruct(history []*Event) (*Transcript, error) {
	tombstoned := make(map[string]struct{})
	for _, ev := range history {
		if ev.Type != TypeMessageDeleted {
			continue
		}
		var p MessageDeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode message.deleted %s: %w", ev.ID, err)
		}
		tombstoned[p.TargetID] = struct{}{}
	}

	f := &folder{}
	for _, ev := range history {
		switch ev.Type {
		case TypeMessageUser, TypeMessageAssistant, TypeMessageSystem:
			if _, dead := tombstoned[ev.ID]; dead {
				continue
			}
			var p MessagePayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", ev.Type, ev.ID, err)
			}
			f.closeOpenCalls()
			f.messages = append(f.messages, p.Message())

		case TypeToolCall:
			var p ToolCallPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode tool.call %s: %w", ev.ID, err)
			}
			f.addToolUse(p)

		case TypeToolResult:
			if _, dead := tombstoned[ev.ID]; dead {
				// The call stays open and picks up the synthetic
				// cancelled result at the next message boundary, so
				// the deleted content never reaches the provider.
				continue
			}
			var p ToolResultPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode tool.result %s: %w", ev.ID, err)
			}
			f.addToolResult(p)

		case TypeCompactSummary:
			var p CompactSummaryPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("decode compact.summary %s: %w", ev.ID, err)
			}
			f.applySummary(p)

		case TypeContextCleared:
			f.messages = nil
			f.open = nil

		default:
			// Bookkeeping type, not part of the conversation.
		}
	}
	f.closeOpenCalls()

	return &Transcript{Messages: f.messages, Summary: f.summary}, nil
}

// folder accumulates fold state.
type folder struct {
	messages []models.Message
	open     []string // tool_use ids awaiting a result, call order
	summary  string
}

func (f *folder) addToolUse(p ToolCallPayload) {
	f.open = append(f.open, p.ID)
	if n := len(f.messages); n > 0 && f.messages[n-1].Role == models.RoleAssistant {
		last := &f.messages[n-1]
		// The assistant payload already carries its tool_use blocks;
		// the tool.call event is then only the execution record.
		// Appending it again would give the message two blocks with
		// the same id, which providers reject.
		for _, b := range last.Blocks {
			if b.Type == models.BlockToolUse && b.ID == p.ID {
				return
			}
		}
		last.Blocks = append(last.Blocks, models.ContentBlock{
			Type:  models.BlockToolUse,
			ID:    p.ID,
			Name:  p.Name,
			Input: p.Input,
		})
		return
	}
	f.messages = append(f.messages, models.Message{
		Role: models.RoleAssistant,
		Blocks: []models.ContentBlock{{
			Type:  models.BlockToolUse,
			ID:    p.ID,
			Name:  p.Name,
			Input: p.Input,
		}},
	})
}

func (f *folder) addToolResult(p ToolResultPayload) {
	content := p.Content
	if p.Cancelled && content == "" {
		content = cancelledResultContent
	}
	block := models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: p.ToolUseID,
		Content:   content,
		IsError:   p.IsError || p.Cancelled,
	}
	if n := len(f.messages); n > 0 && f.messages[n-1].Role == models.RoleUser && hasResultBlocks(f.messages[n-1]) {
		f.messages[n-1].Blocks = append(f.messages[n-1].Blocks, block)
	} else {
		f.messages = append(f.messages, models.Message{
			Role:   models.RoleUser,
			Blocks: []models.ContentBlock{block},
		})
	}
	for i, id := range f.open {
		if id == p.ToolUseID {
			f.open = append(f.open[:i], f.open[i+1:]...)
			break
		}
	}
}

func (f *folder) applySummary(p CompactSummaryPayload) {
	f.summary = p.Summary
	f.open = nil
	text := "Summary of the conversation so far:\n\n" + p.Summary
	if len(p.KeyDecisions) > 0 {
		text += "\n\nKey decisions:"
		for _, d := range p.KeyDecisions {
			text += "\n- " + d
		}
	}
	if len(p.FilesModified) > 0 {
		text += "\n\nFiles modified:"
		for _, fp := range p.FilesModified {
			text += "\n- " + fp
		}
	}
	f.messages = []models.Message{models.NewUserMessage(text)}
}

// closeOpenCalls gives every dangling tool_use a synthetic cancelled
// result, preserving call order.
func (f *folder) closeOpenCalls() {
	if len(f.open) == 0 {
		return
	}
	open := f.open
	f.open = nil
	for _, id := range open {
		f.addToolResult(ToolResultPayload{
			ToolUseID: id,
			Content:   cancelledResultContent,
			Cancelled: true,
		})
	}
	f.open = nil
}

func hasResultBlocks(m models.Message) bool {
	for _, b := range m.Blocks {
		if b.Type == models.BlockToolResult {
			return true
		}
	}
	return false
}
