package shaper

import (
	"testing"
	"time"

	"github.com/rustamtm/termgw/internal/chatevent"
)

func TestNormalizeStripsCSI(t *testing.T) {
	got := Normalize([]byte("\x1b[31mred\x1b[0m text"))
	if got != "red text" {
		t.Fatalf("expected ansi stripped, got %q", got)
	}
}

func TestNormalizeFoldsCRLF(t *testing.T) {
	got := Normalize([]byte("line1\r\nline2\r\n"))
	if got != "line1\nline2\n" {
		t.Fatalf("unexpected fold result: %q", got)
	}
}

func TestNormalizeDiscardsProgressBarOverwrite(t *testing.T) {
	got := Normalize([]byte("loading 10%\rloading 50%\rloading 100%\n"))
	if got != "loading 100%\n" {
		t.Fatalf("expected only final overwrite frame, got %q", got)
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw := []byte("\x1b[1mhello\x1b[0m\r\nworld\rZZZ\n")
	once := Normalize(raw)
	twice := Normalize([]byte(once))
	if once != twice {
		t.Fatalf("normalize not idempotent: once=%q twice=%q", once, twice)
	}
}

func TestShaperEmitsChunkPatchCommitPromptSequence(t *testing.T) {
	var events []chatevent.Type
	var commit chatevent.CommitPayload

	cfg := DefaultConfig()
	cfg.QuietFlush = time.Hour // disable timer-driven flush for this test

	sh := New(cfg, func(typ chatevent.Type, payload any) {
		events = append(events, typ)
		if typ == chatevent.TypeMessageCommit {
			commit = payload.(chatevent.CommitPayload)
		}
	})

	sh.Write(chatevent.ChannelStdout, []byte("ls\nfile.txt\n$ "))

	wantSeq := []chatevent.Type{
		chatevent.TypeStdoutChunk,
		chatevent.TypeMessagePatch,
		chatevent.TypeMessageCommit,
		chatevent.TypePromptReady,
	}
	if len(events) != len(wantSeq) {
		t.Fatalf("expected %v, got %v", wantSeq, events)
	}
	for i, want := range wantSeq {
		if events[i] != want {
			t.Fatalf("event[%d]: expected %s, got %s", i, want, events[i])
		}
	}
	if commit.FinalText != "ls\nfile.txt\n$ " {
		t.Fatalf("unexpected finalText: %q", commit.FinalText)
	}
	if commit.LineCount != 2 {
		t.Fatalf("expected lineCount 2, got %d", commit.LineCount)
	}
}

func TestShaperQuietTimerCommits(t *testing.T) {
	done := make(chan chatevent.Type, 4)
	cfg := DefaultConfig()
	cfg.QuietFlush = 20 * time.Millisecond
	cfg.PromptPatterns = nil // avoid prompt-triggered commit racing the timer

	sh := New(cfg, func(typ chatevent.Type, payload any) {
		done <- typ
	})

	sh.Write(chatevent.ChannelStdout, []byte("no prompt here"))

	timeout := time.After(2 * time.Second)
	sawCommit := false
	for !sawCommit {
		select {
		case typ := <-done:
			if typ == chatevent.TypeMessageCommit {
				sawCommit = true
			}
		case <-timeout:
			t.Fatal("quiet-flush commit did not fire in time")
		}
	}
}

func TestShaperExitCommitsOpenMessage(t *testing.T) {
	var sawCommit, sawExit bool
	cfg := DefaultConfig()
	cfg.QuietFlush = time.Hour
	cfg.PromptPatterns = nil

	sh := New(cfg, func(typ chatevent.Type, payload any) {
		switch typ {
		case chatevent.TypeMessageCommit:
			sawCommit = true
		case chatevent.TypeExit:
			sawExit = true
		}
	})

	sh.Write(chatevent.ChannelStdout, []byte("still running"))
	sh.Exit(0, "")

	if !sawCommit {
		t.Fatal("expected open message to be committed on exit")
	}
	if !sawExit {
		t.Fatal("expected exit event")
	}
}

func TestShaperMaxLinesFlush(t *testing.T) {
	var commits int
	cfg := DefaultConfig()
	cfg.QuietFlush = time.Hour
	cfg.PromptPatterns = nil
	cfg.MaxLinesFlush = 2

	sh := New(cfg, func(typ chatevent.Type, payload any) {
		if typ == chatevent.TypeMessageCommit {
			commits++
		}
	})

	sh.Write(chatevent.ChannelStdout, []byte("a\nb\nc\n"))

	if commits != 1 {
		t.Fatalf("expected exactly one commit at max-lines threshold, got %d", commits)
	}
}
