package transcript

import "github.com/MrWong99/relay/pkg/relaytypes"

// Rebase shifts every segment's Start/End onto the conversation's wall-clock
// timeline, per §4.4 step 4. At most one of secondsToAdd or secondsToTrim
// applies per batch (with both nil, timestamps are left as they are):
//
//   - secondsToAdd is set when the session continued an existing
//     conversation after a reconnect: it is added to every timestamp.
//   - Otherwise, when secondsToTrim is set (the onset of the first segment
//     ever seen this session), it is subtracted from every timestamp.
//
// Rebase returns a new slice; segments is left unmodified.
func Rebase(segments []relaytypes.TranscriptSegment, secondsToAdd, secondsToTrim *float64) []relaytypes.TranscriptSegment {
	if len(segments) == 0 {
		return segments
	}

	out := make([]relaytypes.TranscriptSegment, len(segments))
	copy(out, segments)

	switch {
	case secondsToAdd != nil:
		for i := range out {
			out[i].Start += *secondsToAdd
			out[i].End += *secondsToAdd
		}
	case secondsToTrim != nil:
		for i := range out {
			out[i].Start -= *secondsToTrim
			out[i].End -= *secondsToTrim
		}
	}

	return out
}
