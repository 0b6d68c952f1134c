package runtimeexec

import (
	"strings"
	"testing"
)

func TestJobNameIsDNSLabel(t *testing.T) {
	name := JobName("Transform_Data", "transform_data(date=2024-03-10)", "6f1c2a9e-0d1b-4e55-9a36-9d2d7f1c0b11", 2)
	if !strings.HasPrefix(name, "transform-data-") || !strings.HasSuffix(name, "-6f1c2a9e-2") {
		t.Fatalf("JobName=%q", name)
	}
	if len(name) > maxJobNameLen {
		t.Fatalf("len=%d exceeds %d", len(name), maxJobNameLen)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Fatalf("JobName=%q contains %q", name, r)
		}
	}
}

func TestJobNameDistinguishesTasksAndAttempts(t *testing.T) {
	a := JobName("fetch-data", "fetch_data(date=2024-03-01)", "run", 1)
	b := JobName("fetch-data", "fetch_data(date=2024-03-02)", "run", 1)
	c := JobName("fetch-data", "fetch_data(date=2024-03-01)", "run", 2)
	if a == b || a == c {
		t.Fatalf("names collide: %s %s %s", a, b, c)
	}
	if a != JobName("fetch-data", "fetch_data(date=2024-03-01)", "run", 1) {
		t.Fatalf("JobName not deterministic")
	}
}

func TestJobNameTruncatesLongContainer(t *testing.T) {
	name := JobName(strings.Repeat("very-long-container-", 6), "k", "", 1)
	if len(name) > maxJobNameLen || strings.Contains(name, "--") {
		t.Fatalf("JobName=%q", name)
	}
	if !strings.HasSuffix(name, "-local-1") {
		t.Fatalf("JobName=%q, want local run suffix", name)
	}
}
