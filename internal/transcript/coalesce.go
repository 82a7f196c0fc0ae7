package transcript

import (
	"strings"

	"github.com/MrWong99/relay/pkg/relaytypes"
)

// Coalesce walks a single batch of segments and collapses adjacent segments
// attributed to the same speaker (or both attributed to the user) into one,
// per §4.4 step 5's first pass. The result's text is whitespace- and
// punctuation-normalized via [NormalizeText].
func Coalesce(segments []relaytypes.TranscriptSegment) []relaytypes.TranscriptSegment {
	if len(segments) == 0 {
		return segments
	}

	out := make([]relaytypes.TranscriptSegment, 0, len(segments))
	out = append(out, segments[0])

	for _, seg := range segments[1:] {
		tail := &out[len(out)-1]
		if sameSpeaker(*tail, seg) {
			appendSegment(tail, seg)
			continue
		}
		out = append(out, seg)
	}

	for i := range out {
		out[i].Text = NormalizeText(out[i].Text)
	}
	return out
}

// MergeIntoTail merges batch's first segment into persisted's last segment
// when they share a speaker and the gap between them is under
// [SameSpeakerMergeWindow], per §4.4 step 5's second pass. Otherwise batch is
// simply appended. persisted and batch are left unmodified; the merged
// result is returned as a new slice.
func MergeIntoTail(persisted, batch []relaytypes.TranscriptSegment) []relaytypes.TranscriptSegment {
	if len(batch) == 0 {
		return append([]relaytypes.TranscriptSegment(nil), persisted...)
	}
	if len(persisted) == 0 {
		return append([]relaytypes.TranscriptSegment(nil), batch...)
	}

	last := persisted[len(persisted)-1]
	head := batch[0]
	gap := head.Start - last.End

	if !sameSpeaker(last, head) || gap < 0 || gap >= SameSpeakerMergeWindow.Seconds() {
		out := make([]relaytypes.TranscriptSegment, 0, len(persisted)+len(batch))
		out = append(out, persisted...)
		out = append(out, batch...)
		return out
	}

	merged := last
	appendSegment(&merged, head)
	merged.Text = NormalizeText(merged.Text)

	out := make([]relaytypes.TranscriptSegment, 0, len(persisted)+len(batch)-1)
	out = append(out, persisted[:len(persisted)-1]...)
	out = append(out, merged)
	out = append(out, batch[1:]...)
	return out
}

// sameSpeaker reports whether a and b should be treated as a single ongoing
// utterance: either both are attributed to the user, or they carry the same
// diarized speaker label.
func sameSpeaker(a, b relaytypes.TranscriptSegment) bool {
	if a.IsUser && b.IsUser {
		return true
	}
	return a.Speaker == b.Speaker
}

// appendSegment extends tail with head's text and end time in place.
func appendSegment(tail *relaytypes.TranscriptSegment, head relaytypes.TranscriptSegment) {
	tail.Text = tail.Text + " " + head.Text
	if head.End > tail.End {
		tail.End = head.End
	}
}

// NormalizeText collapses repeated whitespace and tightens spaced
// punctuation, per §4.4 step 5's final normalization pass.
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	replacer := strings.NewReplacer(
		" ,", ",",
		" .", ".",
		" ?", "?",
		" !", "!",
	)
	return replacer.Replace(s)
}
