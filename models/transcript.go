package models

// TranscriptSegment is one time-coded span of speech, in seconds
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the output of speech-to-text over a whole recording
type Transcript struct {
	Text     string              `json:"text"`
	Segments []TranscriptSegment `json:"segments"`
}

// SegmentAt returns the text of the segments overlapping t, or "" when none do
func (tr *Transcript) SegmentAt(t float64) string {
	if tr == nil {
		return ""
	}
	for _, s := range tr.Segments {
		if t >= s.Start && t <= s.End {
			return s.Text
		}
	}
	return ""
}
