package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ProfileFileName is the name of the report written by GraphSession.WriteProfile.
const ProfileFileName = "profile.yaml"

type profileVariable struct {
	Name  string `yaml:"name"`
	Shape string `yaml:"shape"`
	Size  string `yaml:"size"`
}

type profileReport struct {
	Backend             string            `yaml:"backend"`
	Training            bool              `yaml:"training"`
	Compiled            bool              `yaml:"compiled"`
	Error               string            `yaml:"error,omitempty"`
	BatchesPerStep      int               `yaml:"batches_per_step"`
	MicroBatchesPerStep int               `yaml:"micro_batches_per_step"`
	Inputs              []string          `yaml:"inputs"`
	Outputs             []string          `yaml:"outputs"`
	Variables           []profileVariable `yaml:"variables"`
	TotalSize           string            `yaml:"total_size"`
}

func variableName(v *context.Variable) string {
	scope := v.Scope()
	if !strings.HasSuffix(scope, context.ScopeSeparator) {
		scope += context.ScopeSeparator
	}
	return scope + v.Name()
}

// WriteProfile implements Session. It writes a YAML report with the variables of the program, its inputs and
// outputs, and the last error if it failed to compile or run.
func (s *GraphSession) WriteProfile(dir string) error {
	report := profileReport{
		Backend:             s.backend.Name(),
		Training:            s.training,
		Compiled:            s.compiled,
		BatchesPerStep:      s.batchesPerStep,
		MicroBatchesPerStep: s.microBatches,
		Inputs:              s.feedNames,
		Outputs:             s.outputNames,
	}
	if s.lastErr != nil {
		report.Error = s.lastErr.Error()
	}
	var total uint64
	s.ctx.EnumerateVariables(func(v *context.Variable) {
		size := uint64(v.Shape().Memory())
		total += size
		report.Variables = append(report.Variables, profileVariable{
			Name:  variableName(v),
			Shape: v.Shape().String(),
			Size:  humanize.Bytes(size),
		})
	})
	sort.Slice(report.Variables, func(i, j int) bool { return report.Variables[i].Name < report.Variables[j].Name })
	report.TotalSize = humanize.Bytes(total)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create profile directory %q", dir)
	}
	contents, err := yaml.Marshal(&report)
	if err != nil {
		return errors.Wrap(err, "failed to encode profile report")
	}
	filePath := filepath.Join(dir, ProfileFileName)
	if err = os.WriteFile(filePath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write profile report to %q", filePath)
	}
	return nil
}
