// Package pipelinecmd builds ffmpeg invocations for ingest, program and branch
// pipelines.
//
// This layer is pure command construction: no execution, no I/O. It owns the
// CLI shape (flags, ordering, filter graphs, quoting) and nothing else.
//
// Usage:
//
//	argv, err := pipelinecmd.BuildArgv("ffmpeg", spec)                  // []string{"ffmpeg", "-hide_banner", ...}
//	cmds := pipelinecmd.LayoutCommands(len(spec.Inputs), *spec.Layout) // live filter commands for Reconfigure
package pipelinecmd

import (
	"strconv"
	"strings"
)

// Builder constructs argv and shell-safe command strings.
//
// The Builder implements a fluent API; it is NOT concurrency-safe.
// argv[0] is always the binary given to NewBuilder.
type Builder struct {
	args []string
}

// NewBuilder returns a Builder pre-seeded with the binary name.
func NewBuilder(bin string) *Builder {
	return &Builder{args: []string{bin}}
}

// WithFlag appends a flag with a string value if non-empty.
func (b *Builder) WithFlag(flag, val string) *Builder {
	if val != "" {
		b.args = append(b.args, flag, val)
	}
	return b
}

// WithIntFlag appends a flag with a base-10 value if positive.
func (b *Builder) WithIntFlag(flag string, val int) *Builder {
	if val > 0 {
		b.args = append(b.args, flag, strconv.Itoa(val))
	}
	return b
}

// WithSwitch appends a value-less flag such as -y or -an.
func (b *Builder) WithSwitch(flag string) *Builder {
	b.args = append(b.args, flag)
	return b
}

// WithArg appends a positional argument if non-empty.
func (b *Builder) WithArg(arg string) *Builder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// BuildArgv returns a defensive copy of the argument vector.
func (b *Builder) BuildArgv() []string {
	out := make([]string, len(b.args))
	copy(out, b.args)
	return out
}

// BuildString returns a single shell-quoted command string for logs.
func (b *Builder) BuildString() string {
	quoted := make([]string, len(b.args))
	for i, a := range b.args {
		quoted[i] = shQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shQuote returns a POSIX-safe single-quoted token.
func shQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
