package keys

import "testing"

func TestEntityKeys(t *testing.T) {
	if got := EntityCache("staging", "Player", 1, "p1"); got != "staging:entity:Player:1:p1" {
		t.Fatalf("EntityCache = %q", got)
	}
	if got := EntityCacheVersioned("staging", "Player", 1, "p1", 3); got != "staging:entity:Player:1:p1:v3" {
		t.Fatalf("EntityCacheVersioned = %q", got)
	}
	if got := Ephemeral("production", "Guild", 42, "g-9"); got != "production:ephemeral:Guild:42:g-9" {
		t.Fatalf("Ephemeral = %q", got)
	}
	if got := EphemeralVersionCounter("production", "Guild", 42, "g-9"); got != "production:ephemeral:Guild:42:g-9:version" {
		t.Fatalf("EphemeralVersionCounter = %q", got)
	}
	if got := Stream("staging", "Player", 1, "p1"); got != "stream:staging:entity:Player:1:p1" {
		t.Fatalf("Stream = %q", got)
	}
	if got := StreamAffinity(Stream("staging", "Player", 1, "p1")); got != "stream_world_instance:stream:staging:entity:Player:1:p1" {
		t.Fatalf("StreamAffinity = %q", got)
	}
	if got := Sequence("world-abc"); got != "sequence:world-abc" {
		t.Fatalf("Sequence = %q", got)
	}
}

func TestDirtyRoundTrip(t *testing.T) {
	key := Dirty("staging", "Player", 7, "p-1_x")
	if key != "staging:Player:7:p-1_x" {
		t.Fatalf("Dirty = %q", key)
	}
	env, typ, world, id, err := ParseDirty(key)
	if err != nil {
		t.Fatal(err)
	}
	if env != "staging" || typ != "Player" || world != 7 || id != "p-1_x" {
		t.Fatalf("ParseDirty = %q %q %d %q", env, typ, world, id)
	}
}

func TestParseDirtyMalformed(t *testing.T) {
	for _, bad := range []string{"", "a:b", "a:b:notanumber:c"} {
		if _, _, _, _, err := ParseDirty(bad); err == nil {
			t.Fatalf("ParseDirty(%q): expected error", bad)
		}
	}
}

func TestSearchKeyIsStableAndBounded(t *testing.T) {
	a := Search("staging", "Player", 1, "hero", 100)
	b := Search("staging", "Player", 1, "hero", 100)
	if a != b {
		t.Fatalf("search key not stable: %q vs %q", a, b)
	}
	c := Search("staging", "Player", 1, "villain", 100)
	if a == c {
		t.Fatal("different patterns produced identical keys")
	}
	long := Search("staging", "Player", 1, string(make([]byte, 4096)), 100)
	if len(long) > 128 {
		t.Fatalf("search key grew with pattern length: %d bytes", len(long))
	}
}
