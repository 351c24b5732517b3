package wire

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Greeting is the first line a plugin writes, before reading any input.
//
// If Abort is set the plugin is unusable and will not read further input.
// Select is nil only in aborting greetings.
type Greeting struct {
	V      []uint32    `json:"v"`
	Select *SelectMode `json:"select"`
	Abort  *string     `json:"abort"`
}

// Supports reports whether the plugin offers protocol version v.
func (g *Greeting) Supports(v uint32) bool {
	return slices.Contains(g.V, v)
}

// NewGreeting returns the greeting of a usable plugin speaking version 1.
func NewGreeting(mode SelectMode) *Greeting {
	return &Greeting{V: []uint32{ProtocolVersion}, Select: &mode}
}

// NewAbortGreeting returns the greeting of a plugin that cannot be used.
func NewAbortGreeting(message string) *Greeting {
	return &Greeting{V: []uint32{ProtocolVersion}, Abort: &message}
}

// DecodeGreeting parses a greeting line.
func DecodeGreeting(line []byte) (*Greeting, error) {
	var g Greeting
	if err := json.Unmarshal(line, &g); err != nil {
		return nil, fmt.Errorf("decode greeting: %w", err)
	}
	if g.V == nil {
		return nil, fmt.Errorf("decode greeting: missing field \"v\"")
	}
	return &g, nil
}
