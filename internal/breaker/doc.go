// Package breaker provides per-agent circuit breakers so a failing agent is
// isolated behind fail-fast rejections instead of stalling the bus.
package breaker
