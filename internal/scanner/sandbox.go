package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/sarif"
)

const (
	containerCodePath   = "/code"
	containerOutputPath = "/output/sarif.json"

	sandboxMemory = "2g"
	sandboxCPUs   = "2"

	timeoutExitCode = 124

	verifyImageTimeout = 10 * time.Second
	pullImageTimeout   = 5 * time.Minute
)

// Sandbox runs tools in throwaway docker containers. The code tree mounts
// read-only, the network is disabled and memory and cpu are capped.
type Sandbox struct {
	logger log.Logger
}

func NewSandbox(logger log.Logger) *Sandbox {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sandbox{logger: logger}
}

// Run executes one tool against codePath and collects its SARIF output.
// Tool-level failures land in the result; the returned error is reserved
// for host problems such as a canceled context or an unwritable temp dir.
func (s *Sandbox) Run(ctx context.Context, tool Tool, codePath string, timeout time.Duration) (*ToolResult, error) {
	outDir, err := os.MkdirTemp("", "sift-scan-*")
	if err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(outDir) //nolint:errcheck // best effort cleanup

	name := "sift-scan-" + uuid.NewString()[:8]
	args := dockerArgs(name, codePath, outDir, tool.Image(), tool.Command(containerCodePath, containerOutputPath))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info(ctx, "running scan tool",
		"tool", tool.Name(), "image", tool.Image(), "container", name)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()

	res := &ToolResult{
		Tool:     tool.Name(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.ExitCode = timeoutExitCode
		res.Err = fmt.Sprintf("scan timed out after %d seconds", int(timeout.Seconds()))
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = runErr.Error()
		}
	}

	s.collectOutput(ctx, tool, filepath.Join(outDir, "sarif.json"), res)
	res.Success = res.ExitCode == 0 && res.Err == ""

	s.logger.Info(ctx, "scan tool finished",
		"tool", tool.Name(), "success", res.Success, "exit_code", res.ExitCode,
		"findings", res.FindingsCount, "duration", res.Duration)
	return res, nil
}

// collectOutput reads and converts the tool's output file if one exists.
// A nonzero exit can still carry usable SARIF, so the read is attempted
// regardless of exit code; unusable output only fails an otherwise clean
// run.
func (s *Sandbox) collectOutput(ctx context.Context, tool Tool, path string, res *ToolResult) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if res.Err == "" && res.ExitCode == 0 {
			res.Err = "tool produced no output file"
		}
		return
	}
	converted, err := tool.Convert(raw)
	if err != nil {
		s.logger.Warn(ctx, "tool output conversion failed", "tool", tool.Name(), "error", err)
		if res.Err == "" && res.ExitCode == 0 {
			res.Err = fmt.Sprintf("convert output: %v", err)
		}
		return
	}
	n, err := countFindings(converted)
	if err != nil {
		s.logger.Warn(ctx, "tool output unparseable", "tool", tool.Name(), "error", err)
		if res.Err == "" && res.ExitCode == 0 {
			res.Err = fmt.Sprintf("parse output: %v", err)
		}
		return
	}
	res.SARIF = converted
	res.FindingsCount = n
}

// EnsureImage verifies the tool's image is present locally, pulling it
// when missing.
func (s *Sandbox) EnsureImage(ctx context.Context, tool Tool) error {
	vctx, vcancel := context.WithTimeout(ctx, verifyImageTimeout)
	defer vcancel()
	if err := exec.CommandContext(vctx, "docker", "image", "inspect", tool.Image()).Run(); err == nil {
		return nil
	}

	s.logger.Info(ctx, "pulling scan image", "tool", tool.Name(), "image", tool.Image())
	pctx, pcancel := context.WithTimeout(ctx, pullImageTimeout)
	defer pcancel()
	if out, err := exec.CommandContext(pctx, "docker", "pull", tool.Image()).CombinedOutput(); err != nil {
		s.logger.Error(ctx, err, "image pull failed", "image", tool.Image(), "output", string(out))
		return fmt.Errorf("pull image %s: %w", tool.Image(), err)
	}
	return nil
}

func dockerArgs(name, codePath, outDir, image string, command []string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", codePath + ":" + containerCodePath + ":ro",
		"-v", outDir + ":/output",
		"--network", "none",
		"--memory", sandboxMemory,
		"--cpus", sandboxCPUs,
		image,
	}
	return append(args, command...)
}

func countFindings(data []byte) (int, error) {
	doc, err := sarif.Parse(data)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, run := range doc.Runs {
		n += len(run.Results)
	}
	return n, nil
}
