// Package messaging renders the prompts shown to chat users when their
// question allowance runs out. Rendering is pure: the same settings snapshot,
// tier and phone always produce the same prompt.
package messaging
