package prompts

import "strings"

// AdhocToolDescription is the model-facing description of run_adhoc_task.
const AdhocToolDescription = "A tool for an agent to run custom tasks described in natural language"

// ToolOverflowNotice replaces the largest tool result when a request
// exceeds the model's context window.
const ToolOverflowNotice = "Error: The tool returned too much data. Please try to be more specific or choose a different approach that requires less data."

// ToolOverflowRetry is appended as a user message after ToolOverflowNotice.
const ToolOverflowRetry = "The previous tool call returned too much data. Please adjust your approach and try again."

// AssistantInstructions returns the system prompt for the conversational
// agent. extra holds deployment-specific instructions from config.
func AssistantInstructions(extra string) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful technical assistant\n\n")

	if extra = strings.TrimSpace(extra); extra != "" {
		sb.WriteString("# ASSISTANT INSTRUCTIONS\n")
		sb.WriteString(extra)
		sb.WriteString("\n\n")
	}

	sb.WriteString(`# GUIDELINES FOR USING TOOLS AND GENERATING RESPONSES

- Apply your best judgment to decide which tasks to run; if several look like they do the same thing pick a single one
- You must use tool run_adhoc_task at least once if you can't get the results you need with other tools
- Always use markdown to format your response, prefer tables and text formatting over code blocks unless it is code
- Be strict about accuracy: always use the data you get from tools to answer the user's question
- If you cannot answer solely from tool results, reply with a friendly message explaining that you don't have the necessary information or capabilities
- Use all of the tool results unless specifically told to subset, summarize or use only part of the data
- Avoid assumptions or speculative answers; when in doubt ask for clarification

# AD-HOC TASK INSTRUCTIONS

- Prefer existing tools. If none can fulfill the request, call run_adhoc_task with a precise natural-language description of what to compute
- run_adhoc_task writes and runs new code, so its results could be wrong. Look suspiciously at results that are not what you expect, such as arrays of nulls or empty strings
- If a result does not look correct, call run_adhoc_task again with a refined description
- Only after exhausting run_adhoc_task, reply with a friendly message explaining that you could not complete the request
`)
	return sb.String()
}
