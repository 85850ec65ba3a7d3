// Package prompts holds the instructions Wright sends to models: the
// conversational agent's system prompt and the code synthesis prompt.
//
// Prompt text is Go code rather than config because it is program logic.
// The synthesis prompt must agree with what the sandbox accepts (the
// doTask signature, the lib package, stdout as the result channel), and
// keeping both in Go lets tests hold them together. Deployment-specific
// additions come from config and are appended by the builders here.
package prompts
