package objstore

import "testing"

func TestStoreAddGetDelete(t *testing.T) {
	s := New[string]()

	if _, ok := s.Get(1); ok {
		t.Fatalf("expected miss on empty store")
	}

	s.Add(1, "a")
	s.Add(2, "b")

	v, ok := s.Get(1)
	if !ok || v != "a" {
		t.Fatalf("Get(1) = %q, %v, want \"a\", true", v, ok)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}

	s.Delete(1)
	if _, ok := s.Get(1); ok {
		t.Fatalf("expected miss after Delete")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestStoreValuesSnapshot(t *testing.T) {
	s := New[int]()
	s.Add(1, 10)
	s.Add(2, 20)
	s.Add(3, 30)

	vals := s.Values()
	if len(vals) != 3 {
		t.Fatalf("Values() len = %d, want 3", len(vals))
	}

	sum := 0
	for _, v := range vals {
		sum += v
	}
	if sum != 60 {
		t.Fatalf("sum of Values() = %d, want 60", sum)
	}
}

func TestStoreEach(t *testing.T) {
	s := New[string]()
	s.Add(1, "a")
	s.Add(2, "b")

	seen := map[uint32]string{}
	s.Each(func(id uint32, v string) { seen[id] = v })

	if len(seen) != 2 || seen[1] != "a" || seen[2] != "b" {
		t.Fatalf("Each visited %v, want {1:a 2:b}", seen)
	}
}
