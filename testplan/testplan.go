// Package testplan loads the list of runs a single invocation executes.
package testplan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

// Plan is the on-disk form of a run plan:
//
//	runs:
//	  - file: test/a.test.ts
//	  - file: test/b.test.ts
//	    line: 12
type Plan struct {
	Runs []types.RunRequest `yaml:"runs"`
}

// Load reads and validates the plan at path.
func Load(path string) ([]types.RunRequest, error) {
	log.Debug("Reading run plan", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}

	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing plan file: %w", err)
	}
	if len(plan.Runs) == 0 {
		return nil, fmt.Errorf("plan %s has no runs", path)
	}
	for i, r := range plan.Runs {
		if err := validate(r); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
	}
	return plan.Runs, nil
}

// ParseTarget parses a command line target of the form "file" or "file:line".
func ParseTarget(target string) (types.RunRequest, error) {
	req := types.RunRequest{File: target}
	if i := strings.LastIndex(target, ":"); i >= 0 {
		if line, err := strconv.Atoi(target[i+1:]); err == nil {
			req = types.RunRequest{File: target[:i], Line: line}
		}
	}
	if err := validate(req); err != nil {
		return types.RunRequest{}, fmt.Errorf("invalid target %q: %w", target, err)
	}
	return req, nil
}

func validate(r types.RunRequest) error {
	if r.File == "" {
		return errors.New("file is required")
	}
	if r.Line < 0 {
		return fmt.Errorf("line must not be negative, got %d", r.Line)
	}
	return nil
}
