package tokens

import (
	"fmt"
	"testing"
)

func TestCache_EvictsHalfInOnePass(t *testing.T) {
	const max = 10
	c := NewCache(max)
	for i := 0; i < max; i++ {
		c.Put(Key(fmt.Sprint(i)), i)
	}
	if c.Len() != max {
		t.Fatalf("Len() = %d, want %d", c.Len(), max)
	}

	// Touch the first entry so it survives as most recently used.
	if _, ok := c.Get(Key("0")); !ok {
		t.Fatal("entry 0 missing before eviction")
	}

	c.Put(Key("overflow"), 99)

	st := c.Stats()
	if st.EvictionPasses != 1 {
		t.Errorf("EvictionPasses = %d, want 1", st.EvictionPasses)
	}
	if st.Evicted != max/2 {
		t.Errorf("Evicted = %d, want %d", st.Evicted, max/2)
	}
	if st.Size != max/2+1 {
		t.Errorf("Size = %d, want %d", st.Size, max/2+1)
	}
	if _, ok := c.Get(Key("0")); !ok {
		t.Error("recently used entry 0 was evicted")
	}
	if _, ok := c.Get(Key("overflow")); !ok {
		t.Error("newly inserted entry missing")
	}
	// Entries 1..5 were the least recently used.
	for i := 1; i <= 5; i++ {
		if _, ok := c.Get(Key(fmt.Sprint(i))); ok {
			t.Errorf("entry %d should have been evicted", i)
		}
	}
}

func TestCache_NeverExceedsCeiling(t *testing.T) {
	const max = 16
	c := NewCache(max)
	for i := 0; i < 1000; i++ {
		c.Put(Key(fmt.Sprint(i)), i)
		if n := c.Len(); n > max {
			t.Fatalf("Len() = %d after %d inserts, ceiling %d", n, i+1, max)
		}
	}
}

func TestCache_UpdateExistingDoesNotEvict(t *testing.T) {
	c := NewCache(2)
	c.Put(Key("a"), 1)
	c.Put(Key("b"), 2)
	c.Put(Key("a"), 3)
	if c.Stats().EvictionPasses != 0 {
		t.Error("updating an existing key triggered eviction")
	}
	if n, _ := c.Get(Key("a")); n != 3 {
		t.Errorf("Get(a) = %d, want 3", n)
	}
}

func TestKey_Deterministic(t *testing.T) {
	if Key("same") != Key("same") {
		t.Error("Key not deterministic")
	}
	if Key("a") == Key("b") {
		t.Error("distinct inputs collided")
	}
}
