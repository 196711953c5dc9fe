// Package gateway is the authenticated MCP front door: it validates
// per-request credentials, derives the project scope, chunks large
// submissions, and dispatches tool calls to the memory service.
package gateway

import (
	"fmt"
	"strings"
)

// Chunk is one dispatchable piece of a large submission.
type Chunk struct {
	// Content is the text as sent: part marker, then overlap, then payload.
	Content string
	Index   int
	Total   int
	// Size is len(Content).
	Size       int
	HasOverlap bool
}

// Chunker splits submissions that exceed the size limit.
type Chunker struct {
	maxSize int
	overlap int
}

// NewChunker builds a chunker. overlap must be smaller than maxSize, which
// config validation guarantees.
func NewChunker(maxSize, overlap int) *Chunker {
	return &Chunker{maxSize: maxSize, overlap: overlap}
}

// Split breaks text into chunks. Text within the limit passes through
// untouched as a single chunk with no marker and no metadata burden.
// Oversized text is segmented at paragraph boundaries, then sentences, then
// hard character cuts, and each chunk after the first starts with exactly
// the last overlap characters of the previous chunk's body.
func (c *Chunker) Split(text string) []Chunk {
	if len(text) <= c.maxSize {
		return []Chunk{{Content: text, Index: 0, Total: 1, Size: len(text)}}
	}

	payloads := c.pack(c.segment(text))
	total := len(payloads)
	chunks := make([]Chunk, 0, total)
	prevBody := ""
	for i, payload := range payloads {
		body := payload
		hasOverlap := false
		if i > 0 {
			body = tail(prevBody, c.overlap) + payload
			hasOverlap = true
		}
		content := fmt.Sprintf("[Part %d/%d] %s", i+1, total, body)
		chunks = append(chunks, Chunk{
			Content:    content,
			Index:      i,
			Total:      total,
			Size:       len(content),
			HasOverlap: hasOverlap,
		})
		prevBody = body
	}
	return chunks
}

// segment cuts text into pieces no longer than maxSize, preferring
// paragraph boundaries, then sentence boundaries, then hard cuts.
func (c *Chunker) segment(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		if len(para) <= c.maxSize {
			out = append(out, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if len(sentence) <= c.maxSize {
				out = append(out, sentence)
				continue
			}
			out = append(out, hardSplit(sentence, c.maxSize)...)
		}
	}
	return out
}

// pack greedily joins segments into payloads no longer than maxSize.
func (c *Chunker) pack(segments []string) []string {
	var payloads []string
	var cur strings.Builder
	for _, seg := range segments {
		sep := 0
		if cur.Len() > 0 {
			sep = 1 // joining space
		}
		if cur.Len()+sep+len(seg) > c.maxSize {
			payloads = append(payloads, cur.String())
			cur.Reset()
			sep = 0
		}
		if sep == 1 {
			cur.WriteByte(' ')
		}
		cur.WriteString(seg)
	}
	if cur.Len() > 0 {
		payloads = append(payloads, cur.String())
	}
	return payloads
}

// splitSentences cuts on sentence terminators, keeping the terminator with
// the sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
			end := i + 1
			// swallow the following space
			for end < len(text) && text[end] == ' ' {
				end++
			}
			if seg := strings.TrimSpace(text[start:end]); seg != "" {
				out = append(out, seg)
			}
			start = end
			i = end - 1
		}
	}
	if seg := strings.TrimSpace(text[start:]); seg != "" {
		out = append(out, seg)
	}
	return out
}

func hardSplit(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
