// Package builtins provides in-process reference agents for the coordination
// core: a tutor and an assessor built on a shared Base that handles health
// checks and status bookkeeping. Production agents replace these with
// LLM-backed implementations of the same Handle contract.
package builtins
