// Package events provides a non-blocking pub/sub stream for agent lifecycle
// notifications. A slow or failing subscriber never blocks the emitter.
package events
