// Package chatevent defines the structured message types that make up the
// "chat" view of a session: PTY output shaped into discrete, ordered
// messages rather than a raw byte stream.
package chatevent

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// Type enumerates the kinds of chat events.
type Type string

const (
	TypeHello         Type = "hello"
	TypeSnapshotReady Type = "snapshot_ready"
	TypeUserInput     Type = "user_input"
	TypeStdoutChunk   Type = "stdout_chunk"
	TypeStderrChunk   Type = "stderr_chunk"
	TypeMessagePatch  Type = "message_patch"
	TypeMessageCommit Type = "message_commit"
	TypePromptReady   Type = "prompt_ready"
	TypeExit          Type = "exit"
)

// Channel distinguishes stdout-shaped text from stderr-shaped text.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
)

// Event is one chat-view message. Seq is 0 for meta events (hello,
// snapshot_ready) which are never stored in the ring buffer.
type Event struct {
	Type      Type      `json:"type"`
	Ts        time.Time `json:"ts"`
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Payload   any       `json:"payload,omitempty"`
}

// HelloPayload accompanies TypeHello.
type HelloPayload struct {
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// SnapshotReadyPayload accompanies TypeSnapshotReady.
type SnapshotReadyPayload struct {
	ReplayEventCount int   `json:"replayEventCount"`
	OldestSeq        int64 `json:"oldestSeq"`
	NewestSeq        int64 `json:"newestSeq"`
}

// UserInputPayload accompanies TypeUserInput.
type UserInputPayload struct {
	Text      string `json:"text"`
	MessageID string `json:"messageId,omitempty"`
}

// ChunkPayload accompanies TypeStdoutChunk / TypeStderrChunk.
type ChunkPayload struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	Raw       string `json:"raw,omitempty"`
}

// PatchPayload accompanies TypeMessagePatch.
type PatchPayload struct {
	MessageID     string  `json:"messageId"`
	Channel       Channel `json:"channel"`
	AppendText    string  `json:"appendText"`
	RawAppendText string  `json:"rawAppendText,omitempty"`
}

// CommitPayload accompanies TypeMessageCommit.
type CommitPayload struct {
	MessageID    string  `json:"messageId"`
	Channel      Channel `json:"channel"`
	FinalText    string  `json:"finalText"`
	RawFinalText string  `json:"rawFinalText,omitempty"`
	LineCount    int     `json:"lineCount"`
}

// ExitPayload accompanies TypeExit.
type ExitPayload struct {
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

var messageCounter uint64

// NewMessageID generates an id of the form msg-<monotonic>-<rand32bit hex>.
func NewMessageID() string {
	n := atomic.AddUint64(&messageCounter, 1)
	var r [4]byte
	_, _ = rand.Read(r[:])
	return "msg-" + itoa64(n) + "-" + hex.EncodeToString(r[:])
}

func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
