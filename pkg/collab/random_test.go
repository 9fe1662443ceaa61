package collab

import "testing"

// deterministicRandom drives Shuffle/Intn with a fixed, inspectable
// permutation instead of a real PRNG, so SampleK's output is exactly
// predictable.
type deterministicRandom struct {
	intnValues []int
	call       int
}

func (r *deterministicRandom) Intn(n int) int {
	v := r.intnValues[r.call]
	r.call++
	return v % n
}

func (r *deterministicRandom) Shuffle(n int, swap func(i, j int)) {
	// Reverse the slice: a fixed, easy-to-predict permutation.
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		swap(i, j)
	}
}

func TestSampleKFullShuffleWhenKExceedsLength(t *testing.T) {
	r := &deterministicRandom{}
	in := []int{1, 2, 3, 4}
	got := SampleK(in, 10, r)
	want := []int{4, 3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("expected all %d elements back, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected reversed order %v, got %v", want, got)
		}
	}
	if &in[0] == &got[0] {
		t.Fatalf("expected SampleK to not mutate or alias the input slice")
	}
}

func TestSampleKZeroOrNegativeReturnsNil(t *testing.T) {
	r := &deterministicRandom{}
	if got := SampleK([]int{1, 2, 3}, 0, r); got != nil {
		t.Fatalf("expected k=0 to return nil, got %v", got)
	}
	if got := SampleK([]int{1, 2, 3}, -1, r); got != nil {
		t.Fatalf("expected negative k to return nil, got %v", got)
	}
}

func TestSampleKPartialDoesNotMutateInput(t *testing.T) {
	r := &deterministicRandom{intnValues: []int{0, 0}}
	in := []int{10, 20, 30, 40}
	got := SampleK(in, 2, r)
	if len(got) != 2 {
		t.Fatalf("expected 2 sampled elements, got %d", len(got))
	}
	if in[0] != 10 || in[1] != 20 || in[2] != 30 || in[3] != 40 {
		t.Fatalf("expected SampleK to leave the original slice untouched, got %v", in)
	}
}

func TestShuffleAppliesSwapToUnderlyingSlice(t *testing.T) {
	r := &deterministicRandom{}
	s := []string{"a", "b", "c"}
	Shuffle(s, r)
	if s[0] != "c" || s[1] != "b" || s[2] != "a" {
		t.Fatalf("expected Shuffle to reverse in place via the injected swap, got %v", s)
	}
}
