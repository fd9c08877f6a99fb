package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const (
	defaultToolTimeout = 600 * time.Second
	defaultConcurrency = 2

	toolMaxAttempts = 2
	toolRetryDelay  = time.Second
)

// ToolRunner abstracts the sandbox so the executor can be tested without
// docker.
type ToolRunner interface {
	Run(ctx context.Context, tool Tool, codePath string, timeout time.Duration) (*ToolResult, error)
	EnsureImage(ctx context.Context, tool Tool) error
}

// Spec is one scan execution request.
type Spec struct {
	ScanID   string
	CodePath string
	Tools    []Tool
	Timeout  time.Duration
}

// Executor fans a scan out across its tools with bounded concurrency.
type Executor struct {
	runner      ToolRunner
	logger      log.Logger
	concurrency int
	retryDelay  time.Duration
}

func NewExecutor(runner ToolRunner, logger log.Logger, concurrency int) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Executor{
		runner:      runner,
		logger:      logger,
		concurrency: concurrency,
		retryDelay:  toolRetryDelay,
	}
}

// Run executes every tool in the spec and collects their results in spec
// order. A failing tool is reported in its result, never as an error;
// the returned error is non-nil only when ctx ends the run early.
func (e *Executor) Run(ctx context.Context, spec Spec) ([]*ToolResult, error) {
	results := make([]*ToolResult, len(spec.Tools))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, tool := range spec.Tools {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.runTool(ctx, spec, tool)
		}()
	}
	wg.Wait()

	return results, ctx.Err()
}

func (e *Executor) runTool(ctx context.Context, spec Spec, tool Tool) *ToolResult {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}

	var res *ToolResult
	err := retry(ctx, toolMaxAttempts, e.retryDelay, func() error {
		if err := e.runner.EnsureImage(ctx, tool); err != nil {
			return fmt.Errorf("ensure image: %w", err)
		}
		r, err := e.runner.Run(ctx, tool, spec.CodePath, timeout)
		if err != nil {
			return err
		}
		res = r
		// retry sandbox-level errors only; a timeout or a nonzero tool
		// exit will not get better on a second run.
		if r.Err != "" && r.ExitCode != timeoutExitCode {
			return errors.New(r.Err)
		}
		return nil
	})
	if res == nil {
		res = &ToolResult{Tool: tool.Name(), Err: err.Error()}
	}

	if !res.Success {
		e.logger.Warn(ctx, "scan tool failed",
			"scan_id", spec.ScanID, "tool", res.Tool,
			"exit_code", res.ExitCode, "error", res.Err)
	}
	return res
}
