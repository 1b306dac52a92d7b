// Package tokenizer implements byte-pair encoding over a binary
// vocabulary file: scored tokens, greedy merges, byte fallback for
// anything outside the vocabulary.
package tokenizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

// Reserved token ids.
const (
	TokenUnknown = 0
	TokenBOS     = 1
	TokenEOS     = 2
)

// byteFallbackBase offsets raw bytes past the three reserved ids, so
// byte 0x41 encodes as token 0x41+3.
const byteFallbackBase = 3

// Tokenizer holds the vocabulary with merge scores.
type Tokenizer struct {
	vocab     []string
	scores    []float32
	lookup    map[string]int
	maxTokLen int
}

// Load reads a vocabulary file: an int32 max token length, then
// vocabSize records of (float32 score, int32 length, raw bytes).
func Load(path string, vocabSize int) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tokenizer %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	t := &Tokenizer{
		vocab:  make([]string, vocabSize),
		scores: make([]float32, vocabSize),
		lookup: make(map[string]int, vocabSize),
	}

	var maxLen int32
	if err := binary.Read(r, binary.LittleEndian, &maxLen); err != nil {
		return nil, fmt.Errorf("failed to read max token length: %w", err)
	}
	t.maxTokLen = int(maxLen)

	for i := 0; i < vocabSize; i++ {
		if err := binary.Read(r, binary.LittleEndian, &t.scores[i]); err != nil {
			return nil, fmt.Errorf("failed to read score of token %d: %w", i, err)
		}
		var n int32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("failed to read length of token %d: %w", i, err)
		}
		if n < 0 || int(n) > t.maxTokLen {
			return nil, fmt.Errorf("token %d length %d exceeds max %d", i, n, t.maxTokLen)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read token %d: %w", i, err)
		}
		t.vocab[i] = string(buf)
		// First occurrence wins for duplicate strings.
		if _, ok := t.lookup[t.vocab[i]]; !ok {
			t.lookup[t.vocab[i]] = i
		}
	}

	logger.Log.Debug("tokenizer loaded", "path", path, "vocab_size", vocabSize)
	return t, nil
}

// VocabSize returns the number of tokens.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// Encode tokenizes text. Non-empty text gets the dummy whitespace prefix
// the vocabulary was trained with; bytes outside the vocabulary fall
// back to their raw-byte tokens.
func (t *Tokenizer) Encode(text string, bos, eos bool) ([]int, error) {
	tokens := make([]int, 0, len(text)+2)
	if bos {
		tokens = append(tokens, TokenBOS)
	}
	if len(text) > 0 {
		space, ok := t.lookup[" "]
		if !ok {
			return nil, fmt.Errorf("vocabulary has no whitespace token")
		}
		tokens = append(tokens, space)
	}

	// First pass: one token per codepoint, buffering UTF-8 continuation
	// bytes (capped at 4) before lookup.
	var buf []byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c&0xC0 != 0x80 {
			buf = buf[:0]
		}
		buf = append(buf, c)
		if i+1 < len(text) && text[i+1]&0xC0 == 0x80 && len(buf) < 4 {
			continue
		}
		if id, ok := t.lookup[string(buf)]; ok {
			tokens = append(tokens, id)
		} else {
			for _, b := range buf {
				tokens = append(tokens, int(b)+byteFallbackBase)
			}
		}
		buf = buf[:0]
	}

	// Merge passes: join the adjacent pair whose merged string has the
	// highest score, until no pair merges. Ties keep the first pair
	// found.
	for {
		bestScore := float32(-1e10)
		bestID, bestIdx := -1, -1
		for i := 0; i+1 < len(tokens); i++ {
			merged := t.vocab[tokens[i]] + t.vocab[tokens[i+1]]
			if id, ok := t.lookup[merged]; ok && t.scores[id] > bestScore {
				bestScore = t.scores[id]
				bestID = id
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		tokens[bestIdx] = bestID
		tokens = append(tokens[:bestIdx+1], tokens[bestIdx+2:]...)
	}

	if eos {
		tokens = append(tokens, TokenEOS)
	}
	return tokens, nil
}

// Decode returns the text of token, given the token before it. The
// leading space of the first token after BOS is stripped, and raw-byte
// tokens spelled <0xHH> decode to their byte.
func (t *Tokenizer) Decode(prev, token int) string {
	if token < 0 || token >= len(t.vocab) {
		return ""
	}
	piece := t.vocab[token]
	if prev == TokenBOS && strings.HasPrefix(piece, " ") {
		piece = piece[1:]
	}
	if len(piece) == 6 && strings.HasPrefix(piece, "<0x") && piece[5] == '>' {
		var b byte
		if n, err := fmt.Sscanf(piece, "<0x%02X>", &b); err == nil && n == 1 {
			return string([]byte{b})
		}
	}
	return piece
}

// SafePiece filters a decoded piece for terminal output: a lone
// unprintable byte is dropped, everything else passes through.
func SafePiece(piece string) string {
	if len(piece) == 1 {
		r := rune(piece[0])
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return ""
		}
	}
	return piece
}
