package shard

import "testing"

func TestRouteDeterministic(t *testing.T) {
	key := Key("t1", "s1", "")
	first := Route(key, 4)
	for i := 0; i < 100; i++ {
		if got := Route(key, 4); got != first {
			t.Fatalf("Route varied: %d then %d", first, got)
		}
	}
	if first < 0 || first >= 4 {
		t.Fatalf("Route out of range: %d", first)
	}
}

func TestKeyFallsBackToObjectKey(t *testing.T) {
	withSession := Key("t1", "s1", "t1/s1/img.jpg")
	if withSession != "t1:s1" {
		t.Errorf("Key with session = %q", withSession)
	}
	withoutSession := Key("t1", "", "t1/unknown/img.jpg")
	if withoutSession != "t1:t1/unknown/img.jpg" {
		t.Errorf("Key without session = %q", withoutSession)
	}
}

// A session's object events and its completion trigger all carry the same
// affinity key, so with any shard count every message for the session lands
// on one shard.
func TestSessionAffinityAcrossMessages(t *testing.T) {
	objectKeys := []string{
		"t1/s1/img-001.jpg",
		"t1/s1/img-002.jpg",
		"t1/s1/img-003.jpg",
		"t1/s1/img-004.jpg",
		"t1/s1/img-005.jpg",
		"t1/s1/done.upload-complete",
	}

	want := Route(Key("t1", "s1", ""), 4)
	for _, objKey := range objectKeys {
		if got := Route(Key("t1", "s1", objKey), 4); got != want {
			t.Errorf("key %s routed to shard %d, want %d", objKey, got, want)
		}
	}
}

func TestRouteSpreadsSessions(t *testing.T) {
	shards := make(map[int]bool)
	sessions := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10"}
	for _, s := range sessions {
		shards[Route(Key("t1", s, ""), 4)] = true
	}
	// FNV over distinct ids should hit more than one shard out of four.
	if len(shards) < 2 {
		t.Errorf("10 sessions all routed to %d shard(s)", len(shards))
	}
}

func TestValidateShardConfig(t *testing.T) {
	if err := ValidateShardConfig(4, 4); err != nil {
		t.Errorf("matching config rejected: %v", err)
	}
	if err := ValidateShardConfig(4, 3); err == nil {
		t.Error("mismatched config accepted")
	}
	if err := ValidateShardConfig(0, 0); err == nil {
		t.Error("zero shard count accepted")
	}
}
