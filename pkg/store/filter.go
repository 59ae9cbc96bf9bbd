// Copyright 2024-2026 Aiku AI

package store

import "encoding/json"

// FilterConfig is the per-task content filter policy. Exactly one of the
// content selectors (RawText, NumbersOnly, AlphabetsOnly, RemovedAlphabetic,
// RemovedNumeric) is normally set; with none set the message text is
// forwarded verbatim.
type FilterConfig struct {
	RawText           bool   `json:"raw_text,omitempty"`
	NumbersOnly       bool   `json:"numbers_only,omitempty"`
	AlphabetsOnly     bool   `json:"alphabets_only,omitempty"`
	RemovedAlphabetic bool   `json:"removed_alphabetic,omitempty"`
	RemovedNumeric    bool   `json:"removed_numeric,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	Suffix            string `json:"suffix,omitempty"`
	// Outgoing allows forwarding of messages sent by the account itself.
	Outgoing bool `json:"outgoing"`
	// ForwardTag prepends a source attribution line to forwarded text.
	ForwardTag bool `json:"forward_tag,omitempty"`
	// Control is a runtime on/off switch; a task with Control=false stays
	// active in the store but is skipped by the router.
	Control bool `json:"control"`
}

// DefaultFilterConfig is the policy applied to tasks created without an
// explicit filter: forward digit-only messages, include outgoing messages,
// no tag, task enabled.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		NumbersOnly: true,
		Outgoing:    true,
		Control:     true,
	}
}

// unmarshalFilters degrades to the default config on malformed stored JSON.
// Degrading to a zero FilterConfig would silently disable the task (Control
// would read false), which defeats the point of degrading.
func unmarshalFilters(raw string) FilterConfig {
	var fc FilterConfig
	if err := json.Unmarshal([]byte(raw), &fc); err != nil {
		return DefaultFilterConfig()
	}
	return fc
}

func marshalFilters(fc FilterConfig) string {
	data, err := json.Marshal(fc)
	if err != nil {
		return "{}"
	}
	return string(data)
}
