// Package target holds the runner routing table: which VM serves which
// repository and label set, and how webhook jobs are matched to it.
package target

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// LabelSet is an unordered set of runner labels.
type LabelSet map[string]struct{}

// NewLabelSet builds a set from labels, dropping empty strings and duplicates.
func NewLabelSet(labels ...string) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		s[l] = struct{}{}
	}
	return s
}

// Has reports whether label is in the set.
func (s LabelSet) Has(label string) bool {
	_, ok := s[label]
	return ok
}

// Contains reports whether every label of other is present in s.
func (s LabelSet) Contains(other LabelSet) bool {
	for l := range other {
		if !s.Has(l) {
			return false
		}
	}
	return true
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// VMTarget identifies one controllable runner VM and the rule that selects it.
type VMTarget struct {
	Name       string
	Zone       string
	Repo       string
	Labels     LabelSet
	RunnerName string
}

// Runner returns the GitHub runner name registered by this VM.
func (t VMTarget) Runner() string {
	if t.RunnerName != "" {
		return t.RunnerName
	}
	return t.Name
}

func (t VMTarget) String() string {
	return fmt.Sprintf("%s/%s", t.Zone, t.Name)
}

// Matches reports whether a job for repo with jobLabels selects this target:
// the repository must be equal and every required label must be present.
func (t VMTarget) Matches(repo string, jobLabels LabelSet) bool {
	if t.Repo != repo {
		return false
	}
	return jobLabels.Contains(t.Labels)
}

// DedupeKey is the scheduler key under which at most one pending stop for t
// may exist. It is stable across events and processes.
func DedupeKey(t VMTarget) string {
	sum := blake3.Sum256([]byte(t.Name + "/" + t.Zone))
	return "stop-" + t.Name + "-" + hex.EncodeToString(sum[:8])
}
