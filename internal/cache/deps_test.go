package cache

import (
	"sort"
	"testing"
)

func TestDepIndexRemoveFingerprints(t *testing.T) {
	d := newDepIndex()
	d.add("key1", []string{"Player:p1"})
	d.add("key2", []string{"Player:p1", "Player:p2"})
	d.add("key3", []string{"Player:p2"})

	affected := d.removeFingerprints([]string{"Player:p1"})
	sort.Strings(affected)
	if len(affected) != 2 || affected[0] != "key1" || affected[1] != "key2" {
		t.Fatalf("affected = %v", affected)
	}

	// key3 must survive with its edge to Player:p2 intact.
	remaining := d.removeFingerprints([]string{"Player:p2"})
	if len(remaining) != 1 || remaining[0] != "key3" {
		t.Fatalf("remaining = %v", remaining)
	}

	fps, cacheKeys := d.size()
	if fps != 0 || cacheKeys != 0 {
		t.Fatalf("index not empty: %d fingerprints, %d keys", fps, cacheKeys)
	}
}

func TestDepIndexRemoveKeys(t *testing.T) {
	d := newDepIndex()
	d.add("key1", []string{"Player:p1"})
	d.add("key2", []string{"Player:p1"})

	d.removeKeys([]string{"key1"})
	affected := d.removeFingerprints([]string{"Player:p1"})
	if len(affected) != 1 || affected[0] != "key2" {
		t.Fatalf("affected = %v", affected)
	}
}

func TestDepIndexNoDepsNoEdges(t *testing.T) {
	d := newDepIndex()
	d.add("key1", nil)
	fps, cacheKeys := d.size()
	if fps != 0 || cacheKeys != 0 {
		t.Fatalf("edges recorded for dep-less key: %d/%d", fps, cacheKeys)
	}
}
