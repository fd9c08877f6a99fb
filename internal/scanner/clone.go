package scanner

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

const defaultCloneTimeout = 300 * time.Second

// Cloner fetches repositories for scanning. Clones are shallow; history
// is never needed.
type Cloner struct {
	Timeout time.Duration

	logger log.Logger
}

func NewCloner(logger log.Logger) *Cloner {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cloner{Timeout: defaultCloneTimeout, logger: logger}
}

// Clone checks out repoURL at branch (the remote default when empty) into
// dest and returns the resolved HEAD commit sha.
func (c *Cloner) Clone(ctx context.Context, repoURL, branch, dest string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCloneTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Info(ctx, "cloning repository", "url", repoURL, "branch", branch)

	cmd := exec.CommandContext(cctx, "git", cloneArgs(repoURL, branch, dest)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Error(ctx, err, "clone failed", "url", repoURL, "output", string(out))
		return "", fmt.Errorf("git clone %s: %w", repoURL, err)
	}

	out, err := exec.CommandContext(cctx, "git", "-C", dest, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(out))
	c.logger.Info(ctx, "repository cloned", "url", repoURL, "sha", sha)
	return sha, nil
}

func cloneArgs(repoURL, branch, dest string) []string {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	return append(args, repoURL, dest)
}
