package ingest

import "strings"

// chunkSize is the target chunk length in runes. Short entries stay whole;
// long ones split on paragraph boundaries first, then sentences.
const chunkSize = 1000

// ChunkText splits entry text into embedding-sized pieces. Paragraphs are
// packed greedily; a paragraph longer than chunkSize is split on sentence
// boundaries, hard-split as a last resort. Empty input yields no chunks.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitLong(para) {
			pieceLen := len([]rune(piece))
			if currentLen > 0 && currentLen+pieceLen+1 > chunkSize {
				flush()
			}
			if currentLen > 0 {
				current.WriteString("\n")
				currentLen++
			}
			current.WriteString(piece)
			currentLen += pieceLen
		}
	}
	flush()
	return chunks
}

// splitLong breaks an over-long paragraph on sentence ends, hard-splitting
// any sentence that still exceeds the chunk size.
func splitLong(para string) []string {
	if len([]rune(para)) <= chunkSize {
		return []string{para}
	}

	var pieces []string
	var sb strings.Builder
	runes := []rune(para)
	for i := 0; i < len(runes); i++ {
		sb.WriteRune(runes[i])
		atSentenceEnd := runes[i] == '.' || runes[i] == '!' || runes[i] == '?'
		if (atSentenceEnd && sb.Len() >= chunkSize/2) || len([]rune(sb.String())) >= chunkSize {
			pieces = append(pieces, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		pieces = append(pieces, s)
	}
	return pieces
}
