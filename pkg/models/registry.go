// Package models holds the registry of built-in work-cell models.
package models

import (
	"fmt"
	"sort"

	"github.com/openfroyo/riskcell/pkg/engine"
	"github.com/openfroyo/riskcell/pkg/models/minimal"
	"github.com/openfroyo/riskcell/pkg/state"
)

// Builder returns a model and its initial state.
type Builder func() (*engine.Model, state.State, error)

var builders = map[string]Builder{
	minimal.ModelName: minimal.Build,
}

// Lookup builds the model registered under name.
func Lookup(name string) (*engine.Model, state.State, error) {
	build, ok := builders[name]
	if !ok {
		return nil, state.State{}, engine.NewPermanentError(fmt.Sprintf("unknown model %q", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return build()
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
