package transcript_test

import (
	"testing"

	"github.com/MrWong99/relay/internal/transcript"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

func TestCoalesce_MergesAdjacentSameSpeaker(t *testing.T) {
	t.Parallel()

	in := []relaytypes.TranscriptSegment{
		{Text: "hello", Speaker: "SPEAKER_00", Start: 0, End: 1},
		{Text: "there", Speaker: "SPEAKER_00", Start: 1, End: 2},
		{Text: "hi", Speaker: "SPEAKER_01", Start: 2, End: 3},
	}

	got := transcript.Coalesce(in)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Text != "hello there" {
		t.Errorf("merged text = %q, want %q", got[0].Text, "hello there")
	}
	if got[0].End != 2 {
		t.Errorf("merged end = %v, want 2", got[0].End)
	}
	if got[1].Text != "hi" {
		t.Errorf("second segment = %q, want %q", got[1].Text, "hi")
	}
}

func TestCoalesce_BothUserTreatedAsSameSpeaker(t *testing.T) {
	t.Parallel()

	in := []relaytypes.TranscriptSegment{
		{Text: "a", Speaker: "SPEAKER_00", IsUser: true, Start: 0, End: 1},
		{Text: "b", Speaker: "SPEAKER_01", IsUser: true, Start: 1, End: 2},
	}

	got := transcript.Coalesce(in)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Text != "a b" {
		t.Errorf("text = %q, want %q", got[0].Text, "a b")
	}
}

func TestCoalesce_NormalizesPunctuation(t *testing.T) {
	t.Parallel()

	in := []relaytypes.TranscriptSegment{
		{Text: "well  , hello", Speaker: "SPEAKER_00"},
	}
	got := transcript.Coalesce(in)
	if got[0].Text != "well, hello" {
		t.Errorf("text = %q, want %q", got[0].Text, "well, hello")
	}
}

func TestCoalesce_EmptyInput(t *testing.T) {
	t.Parallel()
	got := transcript.Coalesce(nil)
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestMergeIntoTail_MergesWithinWindow(t *testing.T) {
	t.Parallel()

	persisted := []relaytypes.TranscriptSegment{
		{Text: "hello", Speaker: "SPEAKER_00", Start: 0, End: 1},
	}
	batch := []relaytypes.TranscriptSegment{
		{Text: "world", Speaker: "SPEAKER_00", Start: 5, End: 6},
	}

	got := transcript.MergeIntoTail(persisted, batch)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Text != "hello world" {
		t.Errorf("text = %q, want %q", got[0].Text, "hello world")
	}
	if got[0].End != 6 {
		t.Errorf("end = %v, want 6", got[0].End)
	}
}

func TestMergeIntoTail_DoesNotMergeAcrossSpeakers(t *testing.T) {
	t.Parallel()

	persisted := []relaytypes.TranscriptSegment{
		{Text: "hello", Speaker: "SPEAKER_00", Start: 0, End: 1},
	}
	batch := []relaytypes.TranscriptSegment{
		{Text: "hi", Speaker: "SPEAKER_01", Start: 1, End: 2},
	}

	got := transcript.MergeIntoTail(persisted, batch)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestMergeIntoTail_DoesNotMergeBeyondWindow(t *testing.T) {
	t.Parallel()

	persisted := []relaytypes.TranscriptSegment{
		{Text: "hello", Speaker: "SPEAKER_00", Start: 0, End: 1},
	}
	batch := []relaytypes.TranscriptSegment{
		{Text: "world", Speaker: "SPEAKER_00", Start: 40, End: 41},
	}

	got := transcript.MergeIntoTail(persisted, batch)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (gap exceeds merge window)", len(got))
	}
}

func TestMergeIntoTail_EmptyPersisted(t *testing.T) {
	t.Parallel()

	batch := []relaytypes.TranscriptSegment{{Text: "a"}}
	got := transcript.MergeIntoTail(nil, batch)
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("got %+v", got)
	}
}

func TestMergeIntoTail_EmptyBatch(t *testing.T) {
	t.Parallel()

	persisted := []relaytypes.TranscriptSegment{{Text: "a"}}
	got := transcript.MergeIntoTail(persisted, nil)
	if len(got) != 1 || got[0].Text != "a" {
		t.Errorf("got %+v", got)
	}
}
