package prompts

import (
	"fmt"
	"strings"
)

// AdhocPreamble opens every code synthesis request.
const AdhocPreamble = "You are a useful technical assistant."

// InfeasibleSentinel is the phrase the code writer is told to answer
// with when the task cannot be done with the available functions.
const InfeasibleSentinel = "The request cannot be fulfilled using the available functions"

// AdhocInstructions builds the system prompt for code synthesis.
// library is the Go declarations of the lib package and packages lists
// the importable standard library packages.
func AdhocInstructions(library string, packages []string, extra string) string {
	p := fmt.Sprintf(`You have these functions available in package lib:

%s

Standard library packages you may reference: %s

Using only these functions and packages execute the following instructions:

In a codeblock at the top of your response write a Go function called doTask that fulfills the given requirements:

- Declare it exactly as: func doTask() error
- Do not write a package clause or import declarations. Reference packages directly (fmt.Println, lib.FetchText); imports are added for you.
- Only call functions listed above, with the parameters in their declarations. You don't need to use all of them.
- Your answer is limited to that single function. Closures inside it are fine; other top-level declarations are not.
- Do not swallow errors: return them so they propagate.
- Do the work sequentially. go statements and time.AfterFunc are rejected before the code runs.
- If there are no errors doTask must finish by writing its result as JSON to stdout with fmt.Println.
- Never write anything else to stdout. Any messages should be included in the resulting JSON.
- Use lib.Info(message) for progress notes meant for the user; they are not part of the result.
- The code block should only include the function, without example calls to it.
- If the task cannot be done with these functions, reply only with: %s.`,
		library, strings.Join(packages, ", "), InfeasibleSentinel)

	if extra = strings.TrimSpace(extra); extra != "" {
		p += "\n\n" + extra
	}
	return p
}

// AdhocRetryContext renders the diagnostics appended to the task on a
// retry. errs holds one entry per failed attempt, already relabeled.
func AdhocRetryContext(attempt int, errs []string, previousCode string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "This is retry attempt %d.\nPrevious errors:\n", attempt)
	for i, e := range errs {
		fmt.Fprintf(&sb, "%d. %s\n%s\n\n", i+1, strings.Repeat("-", 40), e)
	}
	if previousCode != "" {
		fmt.Fprintf(&sb, "Previous code:\n```go\n%s\n```\n\n", previousCode)
	}
	sb.WriteString("The previously generated code failed because of these issues, please re-write the code to address them.\n" +
		"If the errors are not clear or useful please write the code again based on the instructions and available functions.\n" +
		"Assume you are more capable than the agent that generated the previous attempt and you can make better decisions.")
	return sb.String()
}
