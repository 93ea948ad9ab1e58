package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ahrav/branchctl/internal/application/executor"
)

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostic output; keeps JSON on Writer parseable
	Verbose   bool
}

// CLIResponse is the JSON envelope of a command result.
type CLIResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

// JSON reports whether results are rendered as JSON.
func (f *OutputFormatter) JSON() bool { return f.Format == "json" }

// Result writes a JSON envelope around data. Text output is written by each command.
func (f *OutputFormatter) Result(traceID string, data any) error {
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data, TraceID: traceID})
}

// Printf writes a text line to Writer.
func (f *OutputFormatter) Printf(format string, args ...any) {
	fmt.Fprintf(f.Writer, format, args...)
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Progress returns the callback that prints one line per committed chunk. In JSON mode
// the lines go to ErrWriter.
func (f *OutputFormatter) Progress() executor.ProgressFunc {
	w := f.Writer
	if f.JSON() && f.ErrWriter != nil {
		w = f.ErrWriter
	}
	return func(_ context.Context, p executor.Progress) {
		fmt.Fprintf(w, "%s: %s chunk %d committed, %d/%d rows\n",
			p.Kind, p.Action, p.Chunk+1, p.Processed, p.Total)
	}
}
