// Package policy classifies cache files by how dangerous it is to swap them
// under a live consumer.
package policy

import (
	"path/filepath"
	"strings"
)

// Class is the activation risk of a file type.
type Class int

const (
	// Immediate files may be renamed into the live cache as soon as verified.
	Immediate Class = iota
	// SoftDelayed files are deferred when delayed activation is enabled.
	SoftDelayed
	// HardDelayed files are always quarantined until the host is safe.
	HardDelayed
)

func (c Class) String() string {
	switch c {
	case SoftDelayed:
		return "soft-delayed"
	case HardDelayed:
		return "hard-delayed"
	default:
		return "immediate"
	}
}

// Animation, skeleton, timeline and physics data: swapping these under an
// entity that is animating can crash the consumer.
var hardDelayed = map[string]struct{}{
	"pap":  {},
	"tmb":  {},
	"sklb": {},
	"skp":  {},
	"phyb": {},
	"pbd":  {},
	"eid":  {},
}

// Models and materials.
var softDelayed = map[string]struct{}{
	"mdl":  {},
	"mtrl": {},
}

// Classify returns the activation class for path based on its extension.
func Classify(path string) Class {
	ext := Ext(path)
	if _, ok := hardDelayed[ext]; ok {
		return HardDelayed
	}
	if _, ok := softDelayed[ext]; ok {
		return SoftDelayed
	}
	return Immediate
}

// Ext returns the lowercase extension of path without the dot. Staging
// suffixes are not stripped; callers classify final paths.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
