package scanner

import "fmt"

const defaultBanditImage = "python:3.11-slim"

// Bandit runs the bandit Python security linter. The image has no bandit
// preinstalled, so the command installs it first. Bandit exits nonzero when
// it finds issues, hence the trailing "|| true".
type Bandit struct {
	DockerImage string
}

func NewBandit() *Bandit {
	return &Bandit{DockerImage: defaultBanditImage}
}

func (b *Bandit) Name() string  { return "bandit" }
func (b *Bandit) Image() string { return b.DockerImage }

func (b *Bandit) Command(target, output string) []string {
	script := fmt.Sprintf(
		"pip install -q bandit[sarif] && bandit -r %s -f sarif -o %s || true",
		target, output,
	)
	return []string{"sh", "-c", script}
}

func (b *Bandit) Convert(raw []byte) ([]byte, error) { return raw, nil }
