package runner

import (
	"fmt"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

// Symbol is a named syntactic block of a document.
type Symbol struct {
	Name  string      `json:"name"`
	Lines types.Lines `json:"lines"`
}

// Scope is what a line of a document selects. A zero Scope selects the whole
// file.
type Scope struct {
	Suite  *Symbol `json:"suite,omitempty"`
	Method *Symbol `json:"method,omitempty"`
}

// SourceMapper maps a document line to its enclosing suite and method.
type SourceMapper interface {
	Lookup(document string, line int) (Scope, error)
}

type nopSourceMapper struct{}

func (nopSourceMapper) Lookup(string, int) (Scope, error) {
	return Scope{}, nil
}

// NopSourceMapper resolves every line to the whole file.
var NopSourceMapper SourceMapper = nopSourceMapper{}

// Title describes a run for display.
func Title(document string, scope Scope) string {
	base := filepath.Base(document)
	switch {
	case scope.Suite != nil && scope.Method != nil:
		return fmt.Sprintf("Running %s @Test %s.%s", base, scope.Suite.Name, scope.Method.Name)
	case scope.Suite != nil:
		return fmt.Sprintf("Running %s @Suite %s", base, scope.Suite.Name)
	default:
		return fmt.Sprintf("Running %s", base)
	}
}

// suiteLocator finds a test's suite line through the source mapper.
func suiteLocator(source SourceMapper) func(string, *types.Test) int {
	return func(document string, t *types.Test) int {
		scope, err := source.Lookup(document, t.Lines.Start)
		if err != nil || scope.Suite == nil {
			return 0
		}
		return scope.Suite.Lines.Start
	}
}
