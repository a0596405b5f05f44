// Package coordinator issues requests through the bus on behalf of student
// sessions and keeps the shared context current. It is the consumer side of
// the coordination core: when an agent cannot answer, students see a
// degraded fallback reply, never the raw error.
package coordinator
