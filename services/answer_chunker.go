package services

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// AnswerChunk is a fragment of submission text. Number is the question
// number written next to it, or 0 when no marker was found.
type AnswerChunk struct {
	Number int
	Text   string
}

// answerMarkerPattern matches marker lines such as "Q1", "Question 2:",
// "Ans 3", "4." and "5)".
var answerMarkerPattern = regexp.MustCompile(`(?im)^[ \t]*(?:(?:q(?:uestion)?|ans(?:wer)?)[ \t]*\.?[ \t]*(\d+)[ \t]*[:.)\-]?|(\d+)[ \t]*[.)])[ \t]*`)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n+`)

// ChunkAnswers splits submission text on question markers. Text before the
// first marker is dropped when it is only a heading. Without markers the
// text is split into paragraphs.
func ChunkAnswers(text string) []AnswerChunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, PageSeparator, "\n\n")

	markers := answerMarkerPattern.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return chunkParagraphs(text)
	}

	var chunks []AnswerChunk
	if lead := strings.TrimSpace(text[:markers[0][0]]); lead != "" && len(strings.Fields(lead)) > 8 {
		chunks = append(chunks, AnswerChunk{Text: lead})
	}

	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])

		numStr := ""
		switch {
		case m[2] != -1:
			numStr = text[m[2]:m[3]]
		case m[4] != -1:
			numStr = text[m[4]:m[5]]
		}
		number, _ := strconv.Atoi(numStr)

		if body == "" {
			continue
		}
		chunks = append(chunks, AnswerChunk{Number: number, Text: body})
	}
	return chunks
}

func chunkParagraphs(text string) []AnswerChunk {
	var chunks []AnswerChunk
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			chunks = append(chunks, AnswerChunk{Text: p})
		}
	}
	return chunks
}

// stripEchoedQuestions removes lines that end in a question mark. Models
// often repeat the question before the answer.
func stripEchoedQuestions(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), "?") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// looksLikeAnswer rejects fragments that are only punctuation or a single
// token.
func looksLikeAnswer(text string) bool {
	words := 0
	for _, f := range strings.Fields(text) {
		if strings.IndexFunc(f, isLetterOrDigit) >= 0 {
			words++
		}
	}
	return words >= 2
}

func isLetterOrDigit(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
