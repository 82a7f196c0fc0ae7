package transcript_test

import (
	"testing"

	"github.com/MrWong99/relay/internal/transcript"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

func segs(pairs ...float64) []relaytypes.TranscriptSegment {
	out := make([]relaytypes.TranscriptSegment, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, relaytypes.TranscriptSegment{Start: pairs[i], End: pairs[i+1]})
	}
	return out
}

func TestRebase_Trim(t *testing.T) {
	t.Parallel()

	trim := 2.0
	got := transcript.Rebase(segs(2, 3, 4, 5), nil, &trim)

	want := segs(0, 1, 2, 3)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Start != want[i].Start || got[i].End != want[i].End {
			t.Errorf("segment %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRebase_Add(t *testing.T) {
	t.Parallel()

	add := 10.0
	got := transcript.Rebase(segs(0, 1), &add, nil)

	if got[0].Start != 10 || got[0].End != 11 {
		t.Errorf("got %+v, want start=10 end=11", got[0])
	}
}

func TestRebase_AddTakesPrecedenceOverTrim(t *testing.T) {
	t.Parallel()

	add := 5.0
	trim := 2.0
	got := transcript.Rebase(segs(0, 1), &add, &trim)

	if got[0].Start != 5 || got[0].End != 6 {
		t.Errorf("expected Add branch to apply, got %+v", got[0])
	}
}

func TestRebase_NeitherSet(t *testing.T) {
	t.Parallel()

	got := transcript.Rebase(segs(3, 4), nil, nil)
	if got[0].Start != 3 || got[0].End != 4 {
		t.Errorf("expected unchanged segment, got %+v", got[0])
	}
}

func TestRebase_EmptyInput(t *testing.T) {
	t.Parallel()

	got := transcript.Rebase(nil, nil, nil)
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRebase_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	original := segs(0, 1)
	add := 10.0
	_ = transcript.Rebase(original, &add, nil)

	if original[0].Start != 0 || original[0].End != 1 {
		t.Errorf("input was mutated: %+v", original[0])
	}
}
