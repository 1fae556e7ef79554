package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// maxStderrLines bounds the stderr ring buffer kept per invocation.
const maxStderrLines = 100

// Command is a fully assembled ffmpeg (or ffprobe) invocation.
type Command struct {
	Binary string
	Args   []string
	Inputs []string
	Output string

	stderrMu    sync.RWMutex
	stderrLines []string
}

// String returns the command line for logging.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// GetStderrLines returns the recent stderr lines captured during execution.
func (c *Command) GetStderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// HasArg reports whether the argument vector contains arg.
func (c *Command) HasArg(arg string) bool {
	for _, a := range c.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// ArgAfter returns the argument following flag, or "" when flag is absent.
func (c *Command) ArgAfter(flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

type commandInput struct {
	args []string
	path string
}

// CommandBuilder builds ffmpeg commands with a fluent API.
type CommandBuilder struct {
	binary      string
	logLevel    string
	globalArgs  []string
	overwrite   bool
	inputs      []commandInput
	pendingArgs []string
	filters     []string
	filterGraph string
	outputArgs  []string
	output      string
}

// NewCommandBuilder creates a new ffmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// InputArgs adds arguments that apply to the next Input call.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.pendingArgs = append(b.pendingArgs, args...)
	return b
}

// Input adds an input. It may be called more than once.
func (b *CommandBuilder) Input(path string) *CommandBuilder {
	b.inputs = append(b.inputs, commandInput{args: b.pendingArgs, path: path})
	b.pendingArgs = nil
	return b
}

// VideoFilter appends a stage to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// FilterGraph sets a -lavfi graph. It replaces any -vf chain.
func (b *CommandBuilder) FilterGraph(graph string) *CommandBuilder {
	b.filterGraph = graph
	return b
}

// TimeWindow applies a seek offset and optional duration to the output.
func (b *CommandBuilder) TimeWindow(start, duration float64, bounded bool) *CommandBuilder {
	if start > 0 {
		b.outputArgs = append(b.outputArgs, "-ss", formatSeconds(start))
	}
	if bounded {
		b.outputArgs = append(b.outputArgs, "-t", formatSeconds(duration))
	}
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the argument vector.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}

	inputs := make([]string, 0, len(b.inputs))
	for _, in := range b.inputs {
		args = append(args, in.args...)
		args = append(args, "-i", in.path)
		inputs = append(inputs, in.path)
	}

	args = append(args, b.outputArgs...)

	switch {
	case b.filterGraph != "":
		args = append(args, "-lavfi", b.filterGraph)
	case len(b.filters) > 0:
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}

	args = append(args, b.output)

	return &Command{
		Binary: b.binary,
		Args:   args,
		Inputs: inputs,
		Output: b.output,
	}
}

func formatSeconds(v float64) string {
	s := fmt.Sprintf("%.3f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// ExecOptions controls a single invocation.
type ExecOptions struct {
	// Timeout bounds the wall-clock time of the process. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration

	// Stdout receives the process standard output when set.
	Stdout io.Writer
}

// Executor runs commands. The pipeline depends on this interface so tests can
// record invocations without spawning processes.
type Executor interface {
	Execute(ctx context.Context, cmd *Command, opts ExecOptions) error
}

// ProcessExecutor runs commands as child processes.
type ProcessExecutor struct {
	logger *slog.Logger
}

// NewProcessExecutor creates an executor that spawns real processes.
func NewProcessExecutor(logger *slog.Logger) *ProcessExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessExecutor{logger: logger}
}

// Execute runs cmd and waits for it to exit. A deadline hit yields a
// *TimeoutError and a non-zero exit yields an *ExitError carrying stderr.
func (e *ProcessExecutor) Execute(ctx context.Context, cmd *Command, opts ExecOptions) error {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd.Binary, cmd.Args...)
	if opts.Stdout != nil {
		proc.Stdout = opts.Stdout
	}
	stderr := &stderrWriter{cmd: cmd}
	proc.Stderr = stderr
	proc.WaitDelay = 2 * time.Second

	e.logger.Debug("executing command", slog.String("command", cmd.String()))
	started := time.Now()

	if err := proc.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("starting %s: %w", cmd.Binary, ErrBinaryNotFound)
		}
		return fmt.Errorf("starting %s: %w", cmd.Binary, err)
	}

	waitErr := proc.Wait()
	stderr.flush()

	e.logger.Debug("command finished",
		slog.String("binary", cmd.Binary),
		slog.Duration("elapsed", time.Since(started)),
		slog.Bool("ok", waitErr == nil))

	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("running %s: %w", cmd.Binary, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Binary: cmd.Binary, Timeout: opts.Timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExitError{
			Binary:   cmd.Binary,
			ExitCode: exitErr.ExitCode(),
			Stderr:   cmd.GetStderrLines(),
		}
	}
	return fmt.Errorf("running %s: %w", cmd.Binary, waitErr)
}

// stderrWriter splits process stderr into lines kept in the command's ring
// buffer.
type stderrWriter struct {
	cmd     *Command
	partial []byte
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.cmd.appendStderr(strings.TrimRight(string(w.partial[:i]), "\r"))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *stderrWriter) flush() {
	if len(w.partial) > 0 {
		w.cmd.appendStderr(string(w.partial))
		w.partial = nil
	}
}

func (c *Command) appendStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()

	if len(c.stderrLines) >= maxStderrLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}
