package detector

import (
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/sentra-hq/sentra/internal/event"
	"go.uber.org/zap"
)

// DefaultBufferSize is the number of trailing characters the detector
// scans. Matches only fire on keywords fully contained in this window.
const DefaultBufferSize = 30

// Backspace is the key value that pops the last buffered character.
const Backspace = '\b'

// EmitFunc receives each violation the detector raises. It runs on the
// keystroke path, so implementations must not block.
type EmitFunc func(*event.ViolationEvent)

// keywordSet is an immutable, preprocessed keyword list. UpdateKeywords
// swaps the whole set atomically so a scan never observes a partial
// update.
type keywordSet struct {
	words []string // lowercased, longest first, then lexicographic
}

func newKeywordSet(words []string) *keywordSet {
	folded := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			folded = append(folded, w)
		}
	}
	// Longest-match-first: with overlapping keywords ("refund" and
	// "refund now") the more specific one wins deterministically.
	sort.Slice(folded, func(i, j int) bool {
		if len(folded[i]) != len(folded[j]) {
			return len(folded[i]) > len(folded[j])
		}
		return folded[i] < folded[j]
	})
	return &keywordSet{words: folded}
}

// Detector is a stateful sliding-window keyword matcher over a live
// character stream. It keeps the last DefaultBufferSize characters
// (case-folded) and scans them after every accepted key. On the first
// match it emits exactly one violation and clears the buffer, so one
// burst of text raises at most one event per scan window.
//
// OnKeyPress must be called from the single goroutine that owns the
// input stream. UpdateKeywords may be called from any goroutine.
type Detector struct {
	operatorID string
	cap        int
	buf        []rune
	keywords   atomic.Pointer[keywordSet]
	emit       EmitFunc
	logger     *zap.Logger
}

// New creates a Detector for the given operator. The initial keyword
// set may be empty; UpdateKeywords installs replacements.
func New(operatorID string, keywords []string, emit EmitFunc, logger *zap.Logger) *Detector {
	d := &Detector{
		operatorID: operatorID,
		cap:        DefaultBufferSize,
		buf:        make([]rune, 0, DefaultBufferSize),
		emit:       emit,
		logger:     logger,
	}
	d.keywords.Store(newKeywordSet(keywords))
	return d
}

// UpdateKeywords replaces the keyword set. The new set takes effect on
// the next scan.
func (d *Detector) UpdateKeywords(words []string) {
	d.keywords.Store(newKeywordSet(words))
	d.logger.Info("keyword set updated", zap.Int("keywords", len(words)))
}

// OnKeyPress feeds one key into the detector. Printable characters and
// space are buffered (case-folded), backspace pops the last character,
// everything else is ignored. Detection errors never escape: the
// keystroke path must not crash the host process.
func (d *Detector) OnKeyPress(key rune) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detector panic swallowed", zap.Any("panic", r))
		}
	}()

	switch {
	case key == Backspace:
		if len(d.buf) > 0 {
			d.buf = d.buf[:len(d.buf)-1]
		}
		return
	case key == ' ':
		// accepted as-is
	case !unicode.IsPrint(key):
		return
	}

	d.buf = append(d.buf, unicode.ToLower(key))
	if len(d.buf) > d.cap {
		copy(d.buf, d.buf[len(d.buf)-d.cap:])
		d.buf = d.buf[:d.cap]
	}

	d.scan()
}

// scan checks the buffer against the current keyword set and emits on
// the first (longest) match, clearing the buffer afterwards.
func (d *Detector) scan() {
	set := d.keywords.Load()
	if set == nil || len(set.words) == 0 {
		return
	}

	window := string(d.buf)
	for _, kw := range set.words {
		if strings.Contains(window, kw) {
			ev := event.NewViolation(d.operatorID, kw, "")
			d.buf = d.buf[:0]
			d.logger.Info("keyword violation detected",
				zap.String("operator_id", d.operatorID),
				zap.String("keyword", kw),
				zap.String("event_id", ev.EventID),
			)
			d.emit(ev)
			return
		}
	}
}
