package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGuide = `Physics Midterm Marking Guide

Question 1 (5 marks): Define inertia.
Model answer: Resistance of a body to a change in its state of motion.

Q2. State Newton's second law. [4 marks]
Answer: F = ma

Question 3: Explain conservation of momentum.
`

func TestParseGuideText(t *testing.T) {
	questions := ParseGuideText(sampleGuide)
	require.Len(t, questions, 3)

	q1 := questions[0]
	assert.Equal(t, 1, q1.Number)
	assert.Equal(t, 0, q1.Position)
	assert.Equal(t, "Define inertia.", q1.Text)
	assert.Equal(t, "Resistance of a body to a change in its state of motion.", q1.ExpectedAnswer)
	require.NotNil(t, q1.MaxMarks)
	assert.Equal(t, 5.0, *q1.MaxMarks)

	q2 := questions[1]
	assert.Equal(t, 2, q2.Number)
	assert.Equal(t, "State Newton's second law.", q2.Text)
	assert.Equal(t, "F = ma", q2.ExpectedAnswer)
	require.NotNil(t, q2.MaxMarks)
	assert.Equal(t, 4.0, *q2.MaxMarks)

	// marks are never invented
	assert.Nil(t, questions[2].MaxMarks)
	assert.Equal(t, []int{3}, MissingMarks(questions))
}

func TestParseGuideTextSkipsRepeatedNumbers(t *testing.T) {
	questions := ParseGuideText("Q1 First (2 marks)\nQ1 Duplicate (3 marks)\nQ2 Second (1 mark)")
	require.Len(t, questions, 2)
	assert.Equal(t, "First", questions[0].Text)
	assert.Equal(t, 1, questions[1].Position)
}

func TestGuideParserUsesPatternsBeforeModel(t *testing.T) {
	llm := staticLLM(`[]`)
	parser := NewGuideParser(llm, fastResilience(), nil)

	questions, err := parser.Parse(context.Background(), sampleGuide)
	require.NoError(t, err)
	assert.Len(t, questions, 3)
	assert.Zero(t, llm.Calls())
}

func TestGuideParserFallsBackToModel(t *testing.T) {
	llm := staticLLM("```json\n" + `[
		{"number": 2, "text": "Explain torque", "expected_answer": "r x F", "max_marks": 6},
		{"number": 1, "text": "Define work", "expected_answer": "", "max_marks": null},
		{"number": 1, "text": "Repeated", "max_marks": 2},
		{"number": 3, "text": "   ", "max_marks": 2},
		{"number": 4, "text": "Define power", "max_marks": 0}
	]` + "\n```")
	parser := NewGuideParser(llm, fastResilience(), nil)

	questions, err := parser.Parse(context.Background(), "Define work. Explain torque. Define power.")
	require.NoError(t, err)
	require.Len(t, questions, 3)

	assert.Equal(t, 1, questions[0].Number)
	assert.Nil(t, questions[0].MaxMarks)
	assert.Equal(t, 2, questions[1].Number)
	require.NotNil(t, questions[1].MaxMarks)
	assert.Equal(t, 6.0, *questions[1].MaxMarks)
	assert.Equal(t, 4, questions[2].Number)
	assert.Nil(t, questions[2].MaxMarks, "non-positive marks are treated as missing")
	assert.Equal(t, 2, questions[2].Position)
}

func TestGuideParserMalformedModelOutput(t *testing.T) {
	parser := NewGuideParser(staticLLM("I could not find any questions."), fastResilience(), nil)

	_, err := parser.Parse(context.Background(), "free text guide")
	require.Error(t, err)
	assert.Equal(t, KindMalformedOutput, KindOf(err))
}
