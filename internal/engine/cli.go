package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// CLI is an engine backend that runs a configured shell command per job,
// streaming stdout lines as deltas. The command template is looked up in
// job.Meta["command"]; {{prompt}} is substituted with the job prompt
// before tokenization.
//
// Deny patterns mirror the host exec-tool's safety policy: a command
// matching any of them is refused before a process is ever started.
type CLI struct {
	// WorkDir is used when job.CWD is empty.
	WorkDir string
	// Timeout bounds a single run; zero means no timeout.
	Timeout time.Duration

	denyPatterns []*regexp.Regexp

	mu     sync.Mutex
	active map[RunRef]*exec.Cmd
}

func NewCLI(workDir string, timeout time.Duration) *CLI {
	return &CLI{
		WorkDir:      workDir,
		Timeout:      timeout,
		denyPatterns: defaultDenyPatterns,
		active:       make(map[RunRef]*exec.Cmd),
	}
}

var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
}

func (c *CLI) ID() string { return "cli" }

type cliRef struct{ id string }

func (c *CLI) StartRun(ctx context.Context, job Job, opts StartOpts, sink Sink) (StartResult, error) {
	command, _ := job.Meta["command"].(string)
	if command == "" {
		return StartResult{}, fmt.Errorf("cli engine: job.Meta[\"command\"] is required")
	}
	command = strings.ReplaceAll(command, "{{prompt}}", job.Prompt)
	for _, p := range c.denyPatterns {
		if p.MatchString(command) {
			return StartResult{}, fmt.Errorf("cli engine: command denied by safety policy: %s", p.String())
		}
	}

	args, err := shellwords.Parse(command)
	if err != nil {
		return StartResult{}, fmt.Errorf("cli engine: parse command: %w", err)
	}
	if len(args) == 0 {
		return StartResult{}, fmt.Errorf("cli engine: empty command")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if c.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, c.Timeout)
		orig := cancel
		cancel = func() { timeoutCancel(); orig() }
	}

	cwd := job.CWD
	if cwd == "" {
		cwd = c.WorkDir
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return StartResult{}, fmt.Errorf("cli engine: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	ref := &cliRef{id: opts.RunID}

	if err := cmd.Start(); err != nil {
		cancel()
		return StartResult{}, fmt.Errorf("cli engine: start: %w", err)
	}

	c.mu.Lock()
	c.active[ref] = cmd
	c.mu.Unlock()

	go c.stream(ref, cmd, stdout, sink, cancel)

	return StartResult{Ref: ref, CancelFunc: cancel}, nil
}

func (c *CLI) stream(ref RunRef, cmd *exec.Cmd, stdout io.Reader, sink Sink, cancel context.CancelFunc) {
	sink.Event(ref, Event{Kind: "started", Title: cmd.Path})

	var lines []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		sink.Delta(ref, line)
		lines = append(lines, line)
	}

	err := cmd.Wait()
	c.mu.Lock()
	delete(c.active, ref)
	c.mu.Unlock()

	answer := ""
	for i, l := range lines {
		if i > 0 {
			answer += "\n"
		}
		answer += l
	}

	ok := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	sink.Event(ref, Event{Kind: "completed", OK: &ok, Answer: answer, Error: errMsg})
}

func (c *CLI) Cancel(ctx context.Context, ref RunRef) error {
	c.mu.Lock()
	cmd, ok := c.active[ref]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func (c *CLI) SupportsSteer() bool { return false }

func (c *CLI) Steer(ctx context.Context, ref RunRef, text string) error {
	return fmt.Errorf("cli engine: steer not supported")
}

func (c *CLI) FormatResume(tok ResumeToken) string { return "" }

func (c *CLI) ExtractResume(line string) (ResumeToken, bool) { return ResumeToken{}, false }
