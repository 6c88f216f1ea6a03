// Package shaper converts a raw PTY byte stream into the structured chat
// events described by the gateway's "chat view": discrete, ordered messages
// with prompt detection and idle-flush heuristics, independent of the raw
// byte-exact view served from the scrollback buffer.
package shaper

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rustamtm/termgw/internal/chatevent"
)

// Config tunes the shaping heuristics.
type Config struct {
	StripAnsi     bool
	QuietFlush    time.Duration
	MaxLinesFlush int

	// PromptPatterns is checked against the tail of the accumulated
	// (stripped) text on every write. Most entries are plain literal
	// suffixes ("$ "); an entry prefixed with "re:" is compiled as a
	// regular expression and matched against the whole stripped buffer
	// instead, for prompt shapes (like a bracketed "[user@host dir]$ ")
	// that a fixed suffix can't express.
	PromptPatterns []string
	Debug          bool
}

// DefaultConfig matches the gateway's documented defaults, covering the six
// prompt families SPEC_FULL.md names: bash/sh, zsh, root, a bare
// continuation arrow, the oh-my-zsh "robbyrussell" arrow, and the
// bracketed user@host form common to distro default PS1s.
func DefaultConfig() Config {
	return Config{
		StripAnsi:     true,
		QuietFlush:    200 * time.Millisecond,
		MaxLinesFlush: 80,
		PromptPatterns: []string{
			"$ ", "% ", "# ", "> ",
			"➜ ",
			`re:\[\S+@\S+ [^\]]*\]\$ $`,
		},
	}
}

// EmitFunc receives shaped events as they're produced. Type and Payload
// follow chatevent's conventions; Seq and Ts are stamped by the caller
// (the owning Session), which is why they aren't set here.
type EmitFunc func(typ chatevent.Type, payload any)

type msgState struct {
	open          bool
	channel       chatevent.Channel
	messageID     string
	raw           []byte
	strippedSoFar string
	quietTimer    *time.Timer
}

// Shaper holds the per-channel state machine. All exported methods are
// safe for concurrent use; a mutex serializes state transitions because the
// quiet-flush timer fires on its own goroutine and must not race the PTY
// read loop that calls Write.
type Shaper struct {
	mu            sync.Mutex
	cfg           Config
	emit          EmitFunc
	states        map[chatevent.Channel]*msgState
	literalPrompt []string
	regexPrompt   []*regexp.Regexp
}

// New creates a Shaper that calls emit for each produced event. Patterns in
// cfg.PromptPatterns prefixed with "re:" are compiled once here; a pattern
// that fails to compile is dropped rather than panicking the caller, since a
// bad hot-reloaded pattern shouldn't take down a running session.
func New(cfg Config, emit EmitFunc) *Shaper {
	s := &Shaper{
		cfg:    cfg,
		emit:   emit,
		states: make(map[chatevent.Channel]*msgState),
	}
	for _, p := range cfg.PromptPatterns {
		if rest, ok := strings.CutPrefix(p, "re:"); ok {
			if re, err := regexp.Compile(rest); err == nil {
				s.regexPrompt = append(s.regexPrompt, re)
			}
			continue
		}
		s.literalPrompt = append(s.literalPrompt, p)
	}
	return s
}

// Write feeds bytes arriving on the given channel (stdout or stderr) into
// the shaper.
func (s *Shaper) Write(channel chatevent.Channel, data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commitOtherChannelsLocked(channel)

	st := s.states[channel]
	if st == nil || !st.open {
		st = &msgState{open: true, channel: channel, messageID: chatevent.NewMessageID()}
		s.states[channel] = st
		s.emit(chunkType(channel), chunkPayload(channel, st.messageID, "", s.cfg.Debug, ""))
	}

	st.raw = append(st.raw, data...)
	stripped := s.normalize(st.raw)

	appendText := diffStripped(st.strippedSoFar, stripped)
	if appendText != "" {
		payload := chatevent.PatchPayload{
			MessageID:  st.messageID,
			Channel:    channel,
			AppendText: appendText,
		}
		if s.cfg.Debug {
			payload.RawAppendText = string(data)
		}
		s.emit(chatevent.TypeMessagePatch, payload)
	}
	st.strippedSoFar = stripped

	s.armQuietTimerLocked(st)

	lineCount := strings.Count(stripped, "\n")
	if lineCount >= s.cfg.MaxLinesFlush {
		s.commitLocked(st)
		return
	}
	if s.matchesPromptLocked(stripped) {
		s.commitLocked(st)
		s.emit(chatevent.TypePromptReady, nil)
	}
}

// Exit flushes any open message and emits the terminal exit event.
func (s *Shaper) Exit(exitCode int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.states {
		if st.open {
			s.commitLocked(st)
		}
	}
	s.emit(chatevent.TypeExit, chatevent.ExitPayload{ExitCode: exitCode, Signal: signal})
}

func (s *Shaper) commitOtherChannelsLocked(channel chatevent.Channel) {
	for ch, st := range s.states {
		if ch != channel && st.open {
			s.commitLocked(st)
		}
	}
}

func (s *Shaper) commitLocked(st *msgState) {
	if !st.open {
		return
	}
	if st.quietTimer != nil {
		st.quietTimer.Stop()
		st.quietTimer = nil
	}
	payload := chatevent.CommitPayload{
		MessageID: st.messageID,
		Channel:   st.channel,
		FinalText: st.strippedSoFar,
		LineCount: strings.Count(st.strippedSoFar, "\n"),
	}
	if s.cfg.Debug {
		payload.RawFinalText = string(st.raw)
	}
	s.emit(chatevent.TypeMessageCommit, payload)
	st.open = false
}

func (s *Shaper) armQuietTimerLocked(st *msgState) {
	if st.quietTimer != nil {
		st.quietTimer.Stop()
	}
	st.quietTimer = time.AfterFunc(s.cfg.QuietFlush, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if st.open {
			s.commitLocked(st)
		}
	})
}

func (s *Shaper) matchesPromptLocked(stripped string) bool {
	for _, p := range s.literalPrompt {
		if strings.HasSuffix(stripped, p) {
			return true
		}
	}
	for _, re := range s.regexPrompt {
		if re.MatchString(stripped) {
			return true
		}
	}
	return false
}

// normalize applies the configured normalization to the full raw buffer
// accumulated for a message, so the result is independent of how the bytes
// were chunked across Write calls.
func (s *Shaper) normalize(raw []byte) string {
	if !s.cfg.StripAnsi {
		return string(raw)
	}
	return Normalize(raw)
}

func chunkType(channel chatevent.Channel) chatevent.Type {
	if channel == chatevent.ChannelStderr {
		return chatevent.TypeStderrChunk
	}
	return chatevent.TypeStdoutChunk
}

func chunkPayload(channel chatevent.Channel, messageID, text string, debug bool, raw string) chatevent.ChunkPayload {
	p := chatevent.ChunkPayload{MessageID: messageID, Text: text}
	if debug {
		p.Raw = raw
	}
	return p
}

// diffStripped returns the suffix of newStripped that extends old. If
// old is not a prefix of newStripped — which can happen when a
// carriage-return overwrite rewinds already-emitted text — the full new
// text is treated as the delta, since patches are append-only and cannot
// retract previously sent text.
func diffStripped(old, newStripped string) string {
	if strings.HasPrefix(newStripped, old) {
		return newStripped[len(old):]
	}
	return newStripped
}
