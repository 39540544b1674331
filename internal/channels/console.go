// Package channels provides local adapters that connect message sources and
// approval surfaces to the gateway via the message bus.
package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sellclaw/sellclaw/internal/approval"
	"github.com/sellclaw/sellclaw/internal/bus"
)

// ResolveFunc applies an operator verdict to a pending approval token.
type ResolveFunc func(token string, outcome approval.Outcome, overrideText string) error

// TeardownFunc removes a conversation from the runtime (archived thread).
type TeardownFunc func(conversationID string)

// NoteFunc updates the catalog's availability note.
type NoteFunc func(note string) error

// Console is a stdin/stdout channel for local operation. It acts as buyer
// message source, reply sink, and approval surface at once.
//
// Input forms:
//
//	<text>                          message in the default conversation
//	@<conv-id> <text>               message in a named conversation
//	/approve <token> [reply text]   approve, optionally overriding the draft
//	/reject <token>                 reject
//	/close <conv-id>                tear the conversation down (archived)
//	/avail <note>                   update the catalog availability note
type Console struct {
	in       io.Reader
	out      io.Writer
	resolve  ResolveFunc
	teardown TeardownFunc
	setNote  NoteFunc

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

const defaultConversation = "console"

// NewConsole creates a console channel bound to stdin/stdout. resolve may
// be nil at construction and wired later with SetResolver; the console and
// the orchestrator reference each other.
func NewConsole(resolve ResolveFunc) *Console {
	return &Console{in: os.Stdin, out: os.Stdout, resolve: resolve}
}

// SetResolver wires the approval resolution handler.
func (c *Console) SetResolver(resolve ResolveFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolve = resolve
}

// SetTeardown wires the conversation teardown handler.
func (c *Console) SetTeardown(teardown TeardownFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown = teardown
}

// SetAvailability wires the catalog availability-note handler.
func (c *Console) SetAvailability(setNote NoteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setNote = setNote
}

// Start reads lines until ctx is cancelled or stdin closes. Non-blocking
// after setup. Each buyer line is handed to publish as an inbound message.
func (c *Console) Start(ctx context.Context, publish func(bus.InboundMessage)) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("console channel already started")
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			c.handleLine(line, publish)
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("console input closed", "error", err)
		}
	}()
	return nil
}

func (c *Console) handleLine(line string, publish func(bus.InboundMessage)) {
	switch {
	case strings.HasPrefix(line, "/approve "):
		c.resolveLine(strings.TrimPrefix(line, "/approve "), approval.OutcomeApproved)
	case strings.HasPrefix(line, "/reject "):
		c.resolveLine(strings.TrimPrefix(line, "/reject "), approval.OutcomeRejected)
	case strings.HasPrefix(line, "/close "):
		c.closeLine(strings.TrimSpace(strings.TrimPrefix(line, "/close ")))
	case strings.HasPrefix(line, "/avail "):
		c.availLine(strings.TrimSpace(strings.TrimPrefix(line, "/avail ")))
	case strings.HasPrefix(line, "@"):
		conv, text, ok := strings.Cut(line[1:], " ")
		if !ok || strings.TrimSpace(text) == "" {
			fmt.Fprintln(c.out, "usage: @<conv-id> <text>")
			return
		}
		publish(bus.InboundMessage{
			ConversationID: conv,
			DisplayName:    conv,
			Text:           strings.TrimSpace(text),
			ReceivedAt:     time.Now(),
		})
	default:
		publish(bus.InboundMessage{
			ConversationID: defaultConversation,
			DisplayName:    "Console",
			Text:           line,
			ReceivedAt:     time.Now(),
		})
	}
}

func (c *Console) resolveLine(rest string, outcome approval.Outcome) {
	c.mu.Lock()
	resolve := c.resolve
	c.mu.Unlock()
	if resolve == nil {
		fmt.Fprintln(c.out, "no approval handler wired")
		return
	}
	token, override, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if token == "" {
		fmt.Fprintln(c.out, "usage: /approve <token> [reply text] | /reject <token>")
		return
	}
	if outcome == approval.OutcomeRejected {
		override = ""
	}
	if err := resolve(token, outcome, strings.TrimSpace(override)); err != nil {
		fmt.Fprintf(c.out, "approval %s failed: %v\n", token, err)
	}
}

func (c *Console) closeLine(conv string) {
	c.mu.Lock()
	teardown := c.teardown
	c.mu.Unlock()
	if conv == "" {
		fmt.Fprintln(c.out, "usage: /close <conv-id>")
		return
	}
	if teardown == nil {
		fmt.Fprintln(c.out, "no teardown handler wired")
		return
	}
	teardown(conv)
	fmt.Fprintf(c.out, "conversation %s closed\n", conv)
}

func (c *Console) availLine(note string) {
	c.mu.Lock()
	setNote := c.setNote
	c.mu.Unlock()
	if note == "" {
		fmt.Fprintln(c.out, "usage: /avail <note>")
		return
	}
	if setNote == nil {
		fmt.Fprintln(c.out, "no availability handler wired")
		return
	}
	if err := setNote(note); err != nil {
		fmt.Fprintf(c.out, "availability update failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "availability note set: %s\n", note)
}

// Stop waits for the reader goroutine to drain. Stdin reads cannot be
// interrupted portably, so Stop returns once ctx expires if input is idle.
func (c *Console) Stop(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.running = false
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Send prints an outbound reply.
func (c *Console) Send(_ context.Context, msg bus.OutboundMessage) error {
	_, err := fmt.Fprintf(c.out, "[%s] -> %s\n", msg.ConversationID, msg.Text)
	return err
}

// Present prints an approval card with the draft reply and the commands that
// resolve it.
func (c *Console) Present(_ context.Context, req approval.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "--- approval needed [%s] ---\n", req.Token)
	fmt.Fprintf(&b, "buyer:    %s (%s)\n", req.DisplayName, req.ConversationID)
	fmt.Fprintf(&b, "category: %s\n", req.Decision.Category)
	if req.Decision.Intent != "" {
		fmt.Fprintf(&b, "intent:   %s\n", req.Decision.Intent)
	}
	if req.Decision.MeetupTime != "" {
		fmt.Fprintf(&b, "meetup:   %s\n", req.Decision.MeetupTime)
	}
	fmt.Fprintf(&b, "draft:    %s\n", req.Decision.Reply)
	fmt.Fprintf(&b, "resolve:  /approve %s [override text] | /reject %s\n", req.Token, req.Token)
	_, err := io.WriteString(c.out, b.String())
	return err
}
