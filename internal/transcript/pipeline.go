// Package transcript implements the Transcript Processor's per-tick
// pipeline: rebasing STT timestamps onto the conversation's wall-clock
// timeline and coalescing adjacent same-speaker segments.
//
// The pipeline is a small, ordered sequence of pure functions rather than an
// interface with swappable stages: rebase and coalesce are always both
// applied and always in the same order (§4.4), with no optional stage to
// configure independently, so there is nothing here for a functional-option
// set to toggle.
package transcript

import "time"

// SameSpeakerMergeWindow is the maximum gap between a persisted tail
// segment's end and an incoming segment's start for the two to be merged as
// a continuation of the same utterance, per §4.4.
const SameSpeakerMergeWindow = 30 * time.Second
