package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "question 1 define inertia.", NormalizeText("  Question 1\n\n\tDefine   INERTIA.  "))
	assert.Equal(t, "", NormalizeText(" \n\t "))
}

func TestHashTextIgnoresLayoutAndCase(t *testing.T) {
	a := HashText("Q1. Newton's first law\r\nQ2. Momentum")
	b := HashText("q1.   newton's FIRST law \n\n q2. momentum\n")
	c := HashText("Q1. Newton's second law\nQ2. Momentum")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestHashBytesIsExact(t *testing.T) {
	assert.NotEqual(t, HashBytes([]byte("Answer")), HashBytes([]byte("answer")))
	assert.Equal(t, HashBytes([]byte("x")), HashBytes([]byte("x")))
}
