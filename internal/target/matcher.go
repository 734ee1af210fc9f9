package target

// Matcher scans the routing table in declaration order.
type Matcher struct {
	targets []VMTarget
}

// NewMatcher copies targets into a read-only routing table.
func NewMatcher(targets []VMTarget) *Matcher {
	t := make([]VMTarget, len(targets))
	copy(t, targets)
	return &Matcher{targets: t}
}

// Match returns the first target selected by a job for repo with labels.
func (m *Matcher) Match(repo string, labels LabelSet) (VMTarget, bool) {
	for _, t := range m.targets {
		if t.Matches(repo, labels) {
			return t, true
		}
	}
	return VMTarget{}, false
}

// Lookup finds a configured target by instance name and zone.
func (m *Matcher) Lookup(name, zone string) (VMTarget, bool) {
	for _, t := range m.targets {
		if t.Name == name && t.Zone == zone {
			return t, true
		}
	}
	return VMTarget{}, false
}

// Default returns the only target of a single-target deployment.
func (m *Matcher) Default() (VMTarget, bool) {
	if len(m.targets) != 1 {
		return VMTarget{}, false
	}
	return m.targets[0], true
}

// Targets returns a copy of the routing table.
func (m *Matcher) Targets() []VMTarget {
	out := make([]VMTarget, len(m.targets))
	copy(out, m.targets)
	return out
}
