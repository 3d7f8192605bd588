package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/session"
)

const defaultHistory = 10

const helpText = `Commands:
  /mute, /unmute       toggle the microphone
  /voice <name>        change the assistant voice
  /persona <text>      change the assistant persona
  /history [n]         show the last n entries
  /state               show the session state
  /reconnect           open a fresh connection
  /quit                exit
Anything else is sent as a text message.`

// syncWriter serializes writes from the event loop, tool goroutines and the
// input loop.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func readLines(in io.Reader, lines chan<- string, errCh chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		errCh <- err
	}
}

// controller is the slice of *session.Session the input loop drives.
type controller interface {
	Connect(ctx context.Context) error
	SetMuted(muted bool)
	SetVoice(ctx context.Context, voice string) error
	SetPersona(ctx context.Context, persona string) error
	SendText(ctx context.Context, text string) error
	History(ctx context.Context, n int) ([]conversation.Entry, error)
	Snapshot() session.Snapshot
}

type repl struct {
	session controller
	out     io.Writer
}

// handle runs one input line. It reports true when the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.session.SendText(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		fmt.Fprintln(r.out, "bye")
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/mute":
		r.session.SetMuted(true)
		fmt.Fprintln(r.out, "mic muted")
	case "/unmute":
		r.session.SetMuted(false)
		fmt.Fprintln(r.out, "mic live")
	case "/voice":
		if arg == "" {
			fmt.Fprintf(r.out, "voice: %s\n", r.session.Snapshot().Voice)
			return false, nil
		}
		return false, r.session.SetVoice(ctx, arg)
	case "/persona":
		if arg == "" {
			fmt.Fprintf(r.out, "persona: %s\n", r.session.Snapshot().Persona)
			return false, nil
		}
		return false, r.session.SetPersona(ctx, arg)
	case "/history":
		n := defaultHistory
		if arg != "" {
			parsed, err := strconv.Atoi(arg)
			if err != nil || parsed <= 0 {
				return false, fmt.Errorf("history count must be a positive integer")
			}
			n = parsed
		}
		entries, err := r.session.History(ctx, n)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			printEntry(r.out, e)
		}
	case "/state":
		snap := r.session.Snapshot()
		fmt.Fprintf(r.out, "state=%s muted=%t voice=%s tools=%d\n", snap.State, snap.Muted, snap.Voice, len(snap.Tools))
	case "/reconnect":
		return false, r.session.Connect(ctx)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func printEntry(w io.Writer, e conversation.Entry) {
	if e.Content == nil {
		return
	}
	stamp := e.CreatedAt.Local().Format("15:04:05")
	switch c := e.Content.(type) {
	case conversation.UserAudio:
		fmt.Fprintf(w, "%s you (voice): %s\n", stamp, c.Transcript)
	case conversation.Message:
		fmt.Fprintf(w, "%s %s: %s\n", stamp, c.Role, c.Text)
	case conversation.AITranscript:
		fmt.Fprintf(w, "%s assistant: %s\n", stamp, c.Text)
	case conversation.ToolLoading:
		fmt.Fprintf(w, "%s … %s\n", stamp, c.ToolName)
	case conversation.ToolResult:
		if c.IsError {
			fmt.Fprintf(w, "%s ✗ %s: %s\n", stamp, c.ToolName, c.Error)
			return
		}
		fmt.Fprintf(w, "%s ✓ %s: %s\n", stamp, c.ToolName, string(c.Output))
	case conversation.TransactionReceipt:
		fmt.Fprintf(w, "%s tx %s [%s] %s\n", stamp, c.TxHash, c.Status, c.Summary)
	default:
		fmt.Fprintf(w, "%s %s: %s\n", stamp, c.Kind(), conversation.Text(c))
	}
}
