// Package remote composes shell steps and runs them on servers.
package remote

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	pathPattern = regexp.MustCompile(`^[A-Za-z0-9_./@:+-]{1,512}$`)
	safeArg     = regexp.MustCompile(`^[A-Za-z0-9_./@:=,+%-]+$`)
)

// Step is one discrete command line executed on a server.
type Step struct {
	Name string
	Argv []string
	// Hidden steps are recorded in the log buffer but omitted from user-facing output.
	Hidden        bool
	IgnoreFailure bool
	// Tolerate lists output substrings that turn a non-zero exit into success.
	Tolerate []string
}

// Line renders the step as a shell command line.
func (s Step) Line() string {
	return JoinArgs(s.Argv...)
}

func (s Step) tolerates(output string) bool {
	for _, needle := range s.Tolerate {
		if needle != "" && strings.Contains(output, needle) {
			return true
		}
	}
	return false
}

// Quote single-quotes value for POSIX shells unless it only contains safe characters.
func Quote(value string) string {
	if value != "" && safeArg.MatchString(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// JoinArgs quotes and joins argv into a single command line.
func JoinArgs(argv ...string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		parts[i] = Quote(arg)
	}
	return strings.Join(parts, " ")
}

// ValidateName checks identifiers interpolated into commands (container,
// network, volume and stack names, uuids).
func ValidateName(value string) error {
	if !namePattern.MatchString(value) {
		return fmt.Errorf("remote: invalid name %q", value)
	}
	return nil
}

// ValidatePath checks filesystem paths and image references.
func ValidatePath(value string) error {
	if !pathPattern.MatchString(value) || strings.Contains(value, "..") {
		return fmt.Errorf("remote: invalid path %q", value)
	}
	return nil
}

// Builder accumulates steps. Validation errors are sticky and reported by Steps.
type Builder struct {
	steps []Step
	err   error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Name validates an identifier and returns it unchanged.
func (b *Builder) Name(value string) string {
	if err := ValidateName(value); err != nil && b.err == nil {
		b.err = err
	}
	return value
}

// Path validates a path or image reference and returns it unchanged.
func (b *Builder) Path(value string) string {
	if err := ValidatePath(value); err != nil && b.err == nil {
		b.err = err
	}
	return value
}

// Run appends a step.
func (b *Builder) Run(name string, argv ...string) *Builder {
	b.steps = append(b.steps, Step{Name: name, Argv: argv})
	return b
}

// Shell appends a step executing script through `sh -c` inside the given container.
func (b *Builder) Shell(name, container string, argv ...string) *Builder {
	return b.Run(name, "docker", "exec", b.Name(container), "sh", "-c", JoinArgs(argv...))
}

// WriteFile appends a hidden step writing content to path, inside container
// when one is given and on the host otherwise.
func (b *Builder) WriteFile(name, container, path string, content []byte) *Builder {
	script := "echo " + base64.StdEncoding.EncodeToString(content) + " | base64 -d > " + Quote(b.Path(path))
	if container == "" {
		return b.Run(name, "sh", "-c", script).Hidden()
	}
	return b.Run(name, "docker", "exec", b.Name(container), "sh", "-c", script).Hidden()
}

// Hidden marks the last step as hidden.
func (b *Builder) Hidden() *Builder {
	if n := len(b.steps); n > 0 {
		b.steps[n-1].Hidden = true
	}
	return b
}

// IgnoreFailure lets the last step fail without aborting the sequence.
func (b *Builder) IgnoreFailure() *Builder {
	if n := len(b.steps); n > 0 {
		b.steps[n-1].IgnoreFailure = true
	}
	return b
}

// Tolerate treats a failing last step as success when its output contains any needle.
func (b *Builder) Tolerate(needles ...string) *Builder {
	if n := len(b.steps); n > 0 {
		b.steps[n-1].Tolerate = append(b.steps[n-1].Tolerate, needles...)
	}
	return b
}

// Steps returns the accumulated steps or the first validation error.
func (b *Builder) Steps() ([]Step, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]Step, len(b.steps))
	copy(out, b.steps)
	return out, nil
}
