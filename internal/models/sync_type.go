package models

import (
	"fmt"
	"sort"
	"strings"
)

// SyncType identifies an independently locked category of synchronized data.
type SyncType string

const (
	SyncTypeContacts SyncType = "contacts"
	SyncTypeEmails   SyncType = "emails"
	SyncTypeMessages SyncType = "messages"
)

// AllSyncTypes returns every known sync type in a stable order.
func AllSyncTypes() []SyncType {
	return []SyncType{SyncTypeContacts, SyncTypeEmails, SyncTypeMessages}
}

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	switch t {
	case SyncTypeContacts, SyncTypeEmails, SyncTypeMessages:
		return true
	}
	return false
}

// String returns the string representation of the sync type.
func (t SyncType) String() string {
	return string(t)
}

// ParseSyncType parses a single sync type name (case-insensitive).
func ParseSyncType(s string) (SyncType, error) {
	t := SyncType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown sync type %q", s)
	}
	return t, nil
}

// ParseSyncTypes parses a comma-separated list of sync types.
// Duplicates collapse; the result is sorted.
func ParseSyncTypes(csv string) ([]SyncType, error) {
	seen := make(map[SyncType]bool)
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := ParseSyncType(part)
		if err != nil {
			return nil, err
		}
		seen[t] = true
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("no sync types in %q", csv)
	}
	return SortedTypes(seen), nil
}

// SortedTypes returns the keys of a type set in a stable order.
func SortedTypes(set map[SyncType]bool) []SyncType {
	out := make([]SyncType, 0, len(set))
	for t, ok := range set {
		if ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
