package session

import (
	"sync"

	"github.com/rustamtm/termgw/internal/chatevent"
)

// RawFrame is one unit of output destined for a raw (xterm-compatible)
// viewer. Kind distinguishes the one-time snapshot from live data and the
// terminal exit marker.
type RawFrame struct {
	Kind string // "snapshot" | "data" | "exit"
	Data []byte
}

const (
	RawFrameSnapshot = "snapshot"
	RawFrameData     = "data"
	RawFrameExit     = "exit"
)

// viewerQueueDepth bounds how many frames/events a viewer's outbound queue
// may hold before the Session evicts it rather than block.
const viewerQueueDepth = 256

// RawViewer is a raw-view WebSocket's handle into a Session. The gateway
// creates one per connection and hands it to AttachRaw; a goroutine owned
// by the gateway drains Out and writes frames to the socket.
type RawViewer struct {
	ID   string
	Out  chan RawFrame
	Done chan struct{}

	reasonMu sync.Mutex
	reason   string
}

// NewRawViewer creates a RawViewer ready to be passed to Session.AttachRaw.
func NewRawViewer(id string) *RawViewer {
	return &RawViewer{
		ID:   id,
		Out:  make(chan RawFrame, viewerQueueDepth),
		Done: make(chan struct{}),
	}
}

func (v *RawViewer) enqueue(f RawFrame) bool {
	select {
	case v.Out <- f:
		return true
	default:
		return false
	}
}

// closeWithReason closes Done, recording why so the gateway's WS handler
// can pick the right close code (e.g. 1013 for a backpressure eviction).
// Safe to call at most once per viewer; the Session guarantees that by
// removing the viewer from its map in the same critical section.
func (v *RawViewer) closeWithReason(reason string) {
	v.reasonMu.Lock()
	v.reason = reason
	v.reasonMu.Unlock()
	close(v.Done)
}

// Reason returns why Done was closed, once it has been.
func (v *RawViewer) Reason() string {
	v.reasonMu.Lock()
	defer v.reasonMu.Unlock()
	return v.reason
}

// ChatViewer is a chat-view WebSocket's handle into a Session.
type ChatViewer struct {
	ID   string
	Out  chan chatevent.Event
	Done chan struct{}

	reasonMu sync.Mutex
	reason   string
}

// NewChatViewer creates a ChatViewer ready to be passed to Session.AttachChat.
func NewChatViewer(id string) *ChatViewer {
	return &ChatViewer{
		ID:   id,
		Out:  make(chan chatevent.Event, viewerQueueDepth),
		Done: make(chan struct{}),
	}
}

func (v *ChatViewer) enqueue(e chatevent.Event) bool {
	select {
	case v.Out <- e:
		return true
	default:
		return false
	}
}

// closeWithReason closes Done, recording why (see RawViewer.closeWithReason).
func (v *ChatViewer) closeWithReason(reason string) {
	v.reasonMu.Lock()
	v.reason = reason
	v.reasonMu.Unlock()
	close(v.Done)
}

// Reason returns why Done was closed, once it has been.
func (v *ChatViewer) Reason() string {
	v.reasonMu.Lock()
	defer v.reasonMu.Unlock()
	return v.reason
}

// EvictionReason is the reason string used when a viewer's outbound queue
// overflows and it is evicted rather than allowed to block the session.
const EvictionReason = "backpressure"
