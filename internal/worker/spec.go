package worker

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
)

const pipelineEnv = "WORKER_PIPELINE_YAML"

//go:embed worker.yaml
var defaultSpecFS embed.FS

// Spec describes which claim pairs a worker process drives and how hard
// it polls each one. The embedded worker.yaml walks the whole pipeline;
// production deployments point WORKER_PIPELINE_YAML at a file carrying
// only the stages their engines implement.
type Spec struct {
	Pipeline string      `yaml:"pipeline"`
	Stages   []StageSpec `yaml:"stages"`
}

type StageSpec struct {
	From                types.Stage `yaml:"from"`
	To                  types.Stage `yaml:"to"`
	Done                types.Stage `yaml:"done"`
	Engine              string      `yaml:"engine"`
	PollIntervalSeconds int         `yaml:"poll_interval"`
	Concurrency         int         `yaml:"concurrency"`
}

func (s StageSpec) Interval() time.Duration {
	if s.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s StageSpec) Workers() int {
	if s.Concurrency < 1 {
		return 1
	}
	return s.Concurrency
}

func LoadSpec() (*Spec, error) {
	data, err := readSpec()
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse pipeline spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

func readSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(pipelineEnv)); path != "" {
		return os.ReadFile(path)
	}
	return defaultSpecFS.ReadFile("worker.yaml")
}

// Validate checks every stage spec against the job state machine: from
// must be a claimable stage, to its immediate successor, and done the
// advance the worker commits after finishing.
func (s *Spec) Validate() error {
	if s == nil {
		return errors.New("missing spec")
	}
	if len(s.Stages) == 0 {
		return errors.New("no stages defined")
	}
	seen := map[types.Stage]bool{}
	for _, st := range s.Stages {
		if !st.From.Valid() {
			return fmt.Errorf("stage %q: unknown from stage", st.From)
		}
		if seen[st.From] {
			return fmt.Errorf("stage %q: duplicate from stage", st.From)
		}
		seen[st.From] = true
		next, ok := st.From.Next()
		if !ok {
			return fmt.Errorf("stage %q: terminal, cannot be claimed", st.From)
		}
		if st.To != next {
			return fmt.Errorf("stage %q: to must be %q, got %q", st.From, next, st.To)
		}
		doneNext, ok := st.To.Next()
		if !ok {
			return fmt.Errorf("stage %q: %q has no successor", st.From, st.To)
		}
		if st.Done != doneNext {
			return fmt.Errorf("stage %q: done must be %q, got %q", st.From, doneNext, st.Done)
		}
	}
	return nil
}
