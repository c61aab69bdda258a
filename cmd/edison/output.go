package main

import (
	"encoding/json"
	"fmt"
)

// envelope is the shape of every JSON response.
type envelope struct {
	Status   string      `json:"status"`
	Error    string      `json:"error,omitempty"`
	Details  interface{} `json:"details,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
}

func (a *app) writeJSON(v interface{}) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(a.errOut, "Error encoding JSON: %v\n", err)
	}
}

// emit writes data as an ok envelope in JSON mode; otherwise text is
// called to print the human form. Warnings go to stderr in text mode.
func (a *app) emit(data interface{}, warnings []string, text func()) {
	if a.jsonOutput {
		a.writeJSON(envelope{Status: "ok", Data: data, Warnings: warnings})
		return
	}
	if !a.quiet && text != nil {
		text()
	}
	for _, w := range warnings {
		WarnError(a.errOut, "%s", w)
	}
}

// printf writes text-mode output.
func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format, args...)
}
