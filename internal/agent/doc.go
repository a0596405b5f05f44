// Package agent defines the message envelope and the Handle contract that
// the coordination core routes between. It carries no behavior of its own.
package agent
