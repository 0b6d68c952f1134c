package runtimeexec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const maxJobNameLen = 63

// JobName returns a DNS-1123 label unique per (task, run, attempt), e.g.
// "fetch-data-3f9a1c2b7d-1a2b3c4d-1".
func JobName(container, taskKey, runID string, attempt int) string {
	sum := sha256.Sum256([]byte(taskKey))
	suffix := fmt.Sprintf("-%s-%s-%d", hex.EncodeToString(sum[:])[:10], shortID(runID), attempt)

	prefix := sanitizeName(container)
	if prefix == "" {
		prefix = "task"
	}
	if room := maxJobNameLen - len(suffix); len(prefix) > room {
		prefix = strings.TrimRight(prefix[:room], "-")
	}
	return prefix + suffix
}

func shortID(id string) string {
	id = sanitizeName(strings.ReplaceAll(id, "-", ""))
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "local"
	}
	return id
}

func sanitizeName(value string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
