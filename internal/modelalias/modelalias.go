// Package modelalias maps the closed set of model aliases a client may
// request to underlying Model Runtime identifiers, table-driven the way
// agtmux's internal/provideradapters.Registry maps a provider key to an
// adapter constructor.
package modelalias

import (
	"fmt"

	"github.com/jelly-j/jellyj/internal/model"
)

var underlying = map[model.ModelAlias]string{
	model.ModelAliasOpus:  "claude-opus-4",
	model.ModelAliasHaiku: "claude-haiku-4",
}

// Resolve returns the underlying model identifier for alias, or an error
// if alias is outside the closed set.
func Resolve(alias model.ModelAlias) (string, error) {
	id, ok := underlying[alias]
	if !ok {
		return "", fmt.Errorf("modelalias: unknown alias %q", alias)
	}
	return id, nil
}

// Valid reports whether alias is a recognized member of the closed set.
func Valid(alias model.ModelAlias) bool {
	_, ok := underlying[alias]
	return ok
}

// All returns every recognized alias, in a stable order, for rendering
// the `/model` command's "available set" listing.
func All() []model.ModelAlias {
	return []model.ModelAlias{model.ModelAliasOpus, model.ModelAliasHaiku}
}

// CheapAlias is the model alias the Heartbeat Probe uses for its
// low-stakes rename/suggestion prompts.
const CheapAlias = model.ModelAliasHaiku
