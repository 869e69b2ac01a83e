// Package prompts contains the prompt text parley sends to models and
// the fixed user-facing texts the turn loop falls back on.
//
// Prompt text is Go code rather than config because most of it is
// program logic. The system prompt is the exception: config may
// replace it wholesale, and [System] supplies the default.
package prompts
