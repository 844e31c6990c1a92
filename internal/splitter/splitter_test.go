package splitter

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGo = `package sample

import "fmt"

func Foo() {
	fmt.Println("foo")
}

type Bar struct {
	X int
}

func (b *Bar) Method() int {
	return b.X
}
`

func TestSplitAST(t *testing.T) {
	s := New()
	defer s.Close()

	chunks := s.Split(context.Background(), "/w/sample.go", "go", sampleGo, Options{})
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, "/w/sample.go", c.FileCpath)
		assert.LessOrEqual(t, c.StartLine, c.EndLine)
	}
}

func TestSplitFallbackOnUnsupportedLanguage(t *testing.T) {
	s := New()
	defer s.Close()

	text := strings.Repeat("line of text\n", 5)
	chunks := s.Split(context.Background(), "/w/doc.txt", "plaintext", text, Options{})
	require.NotEmpty(t, chunks)
	assert.Equal(t, 1, chunks[0].StartLine)
}

func TestChunksNeverCrossFileBoundary(t *testing.T) {
	s := New()
	defer s.Close()
	chunks := s.Split(context.Background(), "/w/sample.go", "go", sampleGo, Options{})
	for _, c := range chunks {
		assert.Equal(t, "/w/sample.go", c.FileCpath)
	}
}

func TestContentHashIsFunctionOfTextOnly(t *testing.T) {
	s := New()
	defer s.Close()
	a := s.Split(context.Background(), "/w/one.go", "go", sampleGo, Options{})
	b := s.Split(context.Background(), "/w/two.go", "go", sampleGo, Options{})
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	// Same content at different paths should hash identically chunk-for-chunk.
	for i := range a {
		if a[i].Text == b[i].Text {
			assert.Equal(t, a[i].ContentHash, b[i].ContentHash)
		}
	}
}

func TestSubwindowRespectsTokenLimit(t *testing.T) {
	s := New()
	defer s.Close()

	longBody := "func Big() {\n" + strings.Repeat("\tx := 1\n", 200) + "}\n"
	chunks := s.Split(context.Background(), "/w/big.go", "go", longBody, Options{TokensLimit: 32})
	require.NotEmpty(t, chunks)
}

func TestSplitterRoundTripIsSubsequenceOfFileLines(t *testing.T) {
	s := New()
	defer s.Close()
	chunks := s.Split(context.Background(), "/w/sample.go", "go", sampleGo, Options{})

	fileLines := strings.Split(sampleGo, "\n")
	for _, c := range chunks {
		if c.IsSkeleton {
			continue
		}
		for _, line := range strings.Split(c.Text, "\n") {
			found := false
			for _, fl := range fileLines {
				if fl == line {
					found = true
					break
				}
			}
			assert.True(t, found, "line %q not found in source file", line)
		}
	}
}
