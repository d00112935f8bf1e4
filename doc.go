// Package relay is the execution core of an LLM agent runtime.
//
// It drives agents through iterative tool-using runs, orchestrates
// DAG workflows with conditionals, loops, and map-reduce, isolates
// tool execution inside sandboxes (native process, container, WASM),
// and maintains conversational memory across runs.
//
// The core is deliberately backend-agnostic: LLM providers, durable
// stores, and network surfaces are capabilities supplied by the caller.
// A [ChatBackend] produces model responses, a [MemoryStore] holds
// conversation threads, a [RunStore] persists run records, and the
// sandbox package executes untrusted tool code. Everything that happens
// during a run is published on an in-process [Bus] for subscribers
// (persistence, audit, streaming bridges) to observe.
package relay
