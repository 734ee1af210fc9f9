package target

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTargets() []VMTarget {
	return []VMTarget{
		{Name: "gpu-runner", Zone: "us-central1-a", Repo: "a/b", Labels: NewLabelSet("self-hosted", "gpu")},
		{Name: "cpu-runner", Zone: "us-central1-b", Repo: "a/b", Labels: NewLabelSet("self-hosted")},
		{Name: "other-runner", Zone: "europe-west1-b", Repo: "c/d", Labels: NewLabelSet()},
	}
}

func TestMatch(t *testing.T) {
	m := NewMatcher(testTargets())

	tests := []struct {
		name     string
		repo     string
		labels   []string
		wantName string
		wantOK   bool
	}{
		{name: "subset match picks cpu runner", repo: "a/b", labels: []string{"self-hosted", "linux"}, wantName: "cpu-runner", wantOK: true},
		{name: "first declared wins", repo: "a/b", labels: []string{"self-hosted", "gpu"}, wantName: "gpu-runner", wantOK: true},
		{name: "extra labels ignored", repo: "a/b", labels: []string{"gpu", "x64", "self-hosted", "big"}, wantName: "gpu-runner", wantOK: true},
		{name: "missing required label", repo: "a/b", labels: []string{"ubuntu-latest"}, wantOK: false},
		{name: "repo must be exact", repo: "a/bc", labels: []string{"self-hosted"}, wantOK: false},
		{name: "repo is case sensitive", repo: "A/B", labels: []string{"self-hosted"}, wantOK: false},
		{name: "no required labels matches any job", repo: "c/d", labels: nil, wantName: "other-runner", wantOK: true},
		{name: "unknown repo", repo: "x/y", labels: []string{"self-hosted"}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Match(tt.repo, NewLabelSet(tt.labels...))
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantName, got.Name)
			}
		})
	}
}

func TestMatchIgnoresLabelOrderAndDuplicates(t *testing.T) {
	m := NewMatcher(testTargets())

	orders := [][]string{
		{"self-hosted", "gpu"},
		{"gpu", "self-hosted"},
		{"gpu", "gpu", "self-hosted", "self-hosted"},
	}
	for _, labels := range orders {
		got, ok := m.Match("a/b", NewLabelSet(labels...))
		require.True(t, ok, "labels %v", labels)
		assert.Equal(t, "gpu-runner", got.Name)

		again, ok := m.Match("a/b", NewLabelSet(labels...))
		require.True(t, ok)
		assert.Equal(t, got.Name, again.Name)
	}
}

func TestLookupAndDefault(t *testing.T) {
	m := NewMatcher(testTargets())

	got, ok := m.Lookup("cpu-runner", "us-central1-b")
	require.True(t, ok)
	assert.Equal(t, "a/b", got.Repo)

	_, ok = m.Lookup("cpu-runner", "us-central1-a")
	assert.False(t, ok)

	_, ok = m.Default()
	assert.False(t, ok, "multi-target table has no default")

	single := NewMatcher(testTargets()[:1])
	def, ok := single.Default()
	require.True(t, ok)
	assert.Equal(t, "gpu-runner", def.Name)
}

func TestMatcherCopiesTable(t *testing.T) {
	targets := testTargets()
	m := NewMatcher(targets)
	targets[0].Name = "mutated"

	assert.Equal(t, "gpu-runner", m.Targets()[0].Name)
}

func TestDedupeKey(t *testing.T) {
	a := VMTarget{Name: "runner", Zone: "us-central1-a"}
	b := VMTarget{Name: "runner", Zone: "us-central1-b"}

	key := DedupeKey(a)
	assert.True(t, strings.HasPrefix(key, "stop-runner-"))
	assert.Len(t, key, len("stop-runner-")+16)
	assert.Equal(t, key, DedupeKey(a), "key must be deterministic")
	assert.NotEqual(t, key, DedupeKey(b), "zone is part of the identity")

	withLabels := a
	withLabels.Labels = NewLabelSet("gpu")
	assert.Equal(t, key, DedupeKey(withLabels), "key depends on instance identity only")
}

func TestRunnerNameDefaultsToInstance(t *testing.T) {
	assert.Equal(t, "vm-1", VMTarget{Name: "vm-1"}.Runner())
	assert.Equal(t, "gh-runner", VMTarget{Name: "vm-1", RunnerName: "gh-runner"}.Runner())
}
