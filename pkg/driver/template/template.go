// Copyright Akuzo ApS and/or licensed to Akuzo ApS under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package template expands {section.key} placeholders in volume attributes
// from the context of the pod mounting the volume.
package template

import (
	"regexp"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/akuzo/cacsi/pkg/utils/k8s"
)

var placeholderRegex = regexp.MustCompile(`\{([^}]+)\}`)

// HasTemplates reports whether text contains at least one {section.key}
// placeholder.
func HasTemplates(text string) bool {
	return placeholderRegex.MatchString(text)
}

// Resolve expands every {section.key} placeholder in text from the pod
// context. Resolution is all-or-nothing: any placeholder that cannot be
// resolved fails the whole expansion.
func Resolve(text string, pod k8s.PodContext) (string, error) {
	var resolveErr error
	resolved := placeholderRegex.ReplaceAllStringFunc(text, func(match string) string {
		value, err := lookup(strings.Trim(match, "{}"), pod)
		if err != nil && resolveErr == nil {
			resolveErr = err
		}
		return value
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}

// lookup resolves a single placeholder. The section is the part up to the
// first dot, everything after it is the key, so label and annotation keys
// containing dots stay intact, e.g. {metadata.labels.app.kubernetes.io/name}.
func lookup(placeholder string, pod k8s.PodContext) (string, error) {
	section, key, found := strings.Cut(placeholder, ".")
	if !found || key == "" {
		return "", pkgerrors.Errorf("invalid placeholder %q: expected {section.key}", placeholder)
	}

	var values map[string]string
	switch section {
	case "metadata":
		values = pod.Metadata
	case "spec":
		values = pod.Spec
	default:
		return "", pkgerrors.Errorf("unknown section %q in placeholder %q", section, placeholder)
	}

	value, ok := values[key]
	if !ok {
		return "", pkgerrors.Errorf("no value for placeholder %q in the pod context", placeholder)
	}
	return value, nil
}
