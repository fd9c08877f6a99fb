package scanner

const defaultSemgrepImage = "returntocorp/semgrep:latest"

// Semgrep runs semgrep with a rules config, emitting SARIF natively.
type Semgrep struct {
	DockerImage string
	RulesConfig string
}

func NewSemgrep() *Semgrep {
	return &Semgrep{DockerImage: defaultSemgrepImage, RulesConfig: "auto"}
}

func (s *Semgrep) Name() string  { return "semgrep" }
func (s *Semgrep) Image() string { return s.DockerImage }

func (s *Semgrep) Command(target, output string) []string {
	return []string{
		"semgrep", "scan",
		"--config=" + s.RulesConfig,
		"--sarif",
		"--output", output,
		"--verbose",
		"--metrics=off",
		"--no-git-ignore",
		target,
	}
}

func (s *Semgrep) Convert(raw []byte) ([]byte, error) { return raw, nil }
