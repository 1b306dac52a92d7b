package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

// Generate runs the autoregressive loop: prompt tokens are forced in
// order, then sampled continuations stream to out until steps positions
// are consumed or the model emits BOS. Returns the number of positions
// generated.
func Generate(ctx context.Context, t *Transformer, tok *tokenizer.Tokenizer,
	samp *sampler.Sampler, prompt string, steps int, out io.Writer) (int, error) {

	if steps <= 0 || steps > t.Config.SeqLen {
		steps = t.Config.SeqLen
	}
	promptTokens, err := tok.Encode(prompt, true, false)
	if err != nil {
		return 0, fmt.Errorf("failed to encode prompt: %w", err)
	}
	if len(promptTokens) < 1 {
		return 0, fmt.Errorf("prompt encoded to zero tokens")
	}

	start := time.Now()
	token := promptTokens[0]
	pos := 0
	for pos < steps {
		logits, err := t.Forward(ctx, token, pos)
		if err != nil {
			return pos, fmt.Errorf("forward at position %d: %w", pos, err)
		}

		var next int
		if pos < len(promptTokens)-1 {
			// Still consuming the prompt; force the next token.
			next = promptTokens[pos+1]
		} else {
			next = samp.Sample(logits)
		}
		pos++

		// BOS ends the sequence.
		if next == tokenizer.TokenBOS {
			break
		}
		fmt.Fprint(out, tokenizer.SafePiece(tok.Decode(token, next)))
		token = next
	}
	fmt.Fprintln(out)

	if pos > 1 {
		elapsed := time.Since(start)
		metrics.RecordInference(pos, elapsed)
		logger.Log.Info("generation complete",
			"tokens", pos,
			"tok_per_s", fmt.Sprintf("%.2f", float64(pos-1)/elapsed.Seconds()))
	}
	return pos, nil
}

// Chat runs the interactive loop with the instruction template. User
// turns are read from in, one line each; a line of "<end>" or EOF ends
// the session. cliUserPrompt and cliSystemPrompt pre-seed the first
// turn so a session can be scripted.
func Chat(ctx context.Context, t *Transformer, tok *tokenizer.Tokenizer,
	samp *sampler.Sampler, cliUserPrompt, cliSystemPrompt string, steps int,
	in io.Reader, out io.Writer) error {

	if steps <= 0 || steps > t.Config.SeqLen {
		steps = t.Config.SeqLen
	}
	scanner := bufio.NewScanner(in)
	readLine := func(label string) (string, bool) {
		fmt.Fprint(out, label)
		if !scanner.Scan() {
			return "", false
		}
		return scanner.Text(), true
	}

	var promptTokens []int
	userIdx := 0
	userTurn := true
	token, next := 0, 0
	pos := 0

	for pos < steps {
		if userTurn {
			var system, user string
			if pos == 0 {
				if cliSystemPrompt != "" {
					system = cliSystemPrompt
				} else {
					system, _ = readLine("Enter system prompt (optional): ")
				}
			}
			if pos == 0 && cliUserPrompt != "" {
				user = cliUserPrompt
			} else {
				line, ok := readLine("User: ")
				if !ok || strings.TrimSpace(line) == "<end>" {
					break
				}
				user = line
			}

			var rendered string
			if pos == 0 && system != "" {
				rendered = fmt.Sprintf("[INST] <<SYS>>\n%s\n<</SYS>>\n\n%s [/INST]", system, user)
			} else {
				rendered = fmt.Sprintf("[INST] %s [/INST]", user)
			}
			var err error
			promptTokens, err = tok.Encode(rendered, true, false)
			if err != nil {
				return fmt.Errorf("failed to encode turn: %w", err)
			}
			userIdx = 0
			userTurn = false
			fmt.Fprint(out, "Assistant: ")
		}

		if userIdx < len(promptTokens) {
			token = promptTokens[userIdx]
			userIdx++
		} else {
			token = next
		}
		// EOS hands the turn back to the user.
		if token == tokenizer.TokenEOS {
			userTurn = true
		}

		logits, err := t.Forward(ctx, token, pos)
		if err != nil {
			return fmt.Errorf("forward at position %d: %w", pos, err)
		}
		next = samp.Sample(logits)
		pos++

		if userIdx >= len(promptTokens) && next != tokenizer.TokenEOS {
			fmt.Fprint(out, tokenizer.SafePiece(tok.Decode(token, next)))
		}
		if next == tokenizer.TokenEOS {
			fmt.Fprintln(out)
		}
	}
	fmt.Fprintln(out)
	return nil
}
