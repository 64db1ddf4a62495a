// Package animate replays a complete answer as a typing animation. When the
// model endpoint answers from its cache it skips content frames and goes
// straight to done; without this, cached answers would pop in whole while
// streamed ones type out, so the client replays the text in fixed chunks to
// keep the two paths indistinguishable.
package animate

import (
	"context"
	"time"
)

// Defaults tuned to read like the genuine streaming cadence.
const (
	DefaultChunkRunes = 15
	DefaultInterval   = 20 * time.Millisecond
)

// Frame is one animation step: a progressively longer prefix of the full
// text. Animating is false only on the terminal frame, which always carries
// the complete text.
type Frame struct {
	Text      string
	Animating bool
}

// Animator chunks text on a fixed timer.
type Animator struct {
	chunkRunes int
	interval   time.Duration
}

// New creates an animator. Non-positive arguments fall back to defaults.
func New(chunkRunes int, interval time.Duration) *Animator {
	if chunkRunes <= 0 {
		chunkRunes = DefaultChunkRunes
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Animator{chunkRunes: chunkRunes, interval: interval}
}

// Animate delivers prefixes of fullText to onFrame until the whole text is
// shown. Chunking is by rune so multibyte text never splits mid-character.
// On cancellation the terminal frame is still delivered first, so the
// message never sticks at a partial prefix, and the context error is
// returned.
func (a *Animator) Animate(ctx context.Context, fullText string, onFrame func(Frame)) error {
	runes := []rune(fullText)
	if len(runes) == 0 {
		onFrame(Frame{Text: "", Animating: false})
		return nil
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for shown := a.chunkRunes; shown < len(runes); shown += a.chunkRunes {
		onFrame(Frame{Text: string(runes[:shown]), Animating: true})
		select {
		case <-ticker.C:
		case <-ctx.Done():
			onFrame(Frame{Text: fullText, Animating: false})
			return ctx.Err()
		}
	}

	onFrame(Frame{Text: fullText, Animating: false})
	return nil
}
