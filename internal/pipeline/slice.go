package pipeline

// SliceTranscript cuts text into windows of window runes that overlap by
// overlap runes. Text no longer than window is one slice; otherwise there
// are ceil((L-overlap)/(window-overlap)) slices and the last one ends at
// the end of the text. Empty text still yields one empty slice.
func SliceTranscript(text string, window, overlap int) []string {
	runes := []rune(text)
	n := len(runes)
	if window <= 0 || n <= window {
		return []string{text}
	}
	if overlap < 0 || overlap >= window {
		overlap = 0
	}
	step := window - overlap
	count := (n - overlap + step - 1) / step

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		start := i * step
		end := start + window
		if end > n {
			end = n
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// SliceCount is len(SliceTranscript(...)) without building the slices.
func SliceCount(runeLen, window, overlap int) int {
	if window <= 0 || runeLen <= window {
		return 1
	}
	if overlap < 0 || overlap >= window {
		overlap = 0
	}
	step := window - overlap
	return (runeLen - overlap + step - 1) / step
}
