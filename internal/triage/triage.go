// Package triage turns a closed message batch into a Decision: either an
// auto-answerable reply or a draft that must pass human approval. The
// actual judgement is delegated to a Reasoner; this package owns the
// category vocabulary, the auto allowlist, and the fail-closed policy:
// uncertainty never auto-sends.
package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sellclaw/sellclaw/internal/catalog"
	"github.com/sellclaw/sellclaw/internal/store"
)

// Category is the fixed sensitivity vocabulary. Anything outside the auto
// allowlist routes to approval.
type Category string

const (
	// Auto-answerable allowlist.
	CategoryAvailability Category = "availability"
	CategoryPickup       Category = "pickup_location"
	CategoryFAQ          Category = "faq"

	// Approval-required.
	CategoryPricing    Category = "pricing"
	CategoryScheduling Category = "scheduling"
	CategoryDelivery   Category = "delivery"
	CategoryEscalation Category = "escalation" // catch-all
)

// Known reports whether c is in the vocabulary.
func (c Category) Known() bool {
	switch c {
	case CategoryAvailability, CategoryPickup, CategoryFAQ,
		CategoryPricing, CategoryScheduling, CategoryDelivery, CategoryEscalation:
		return true
	}
	return false
}

// AutoAnswerable reports whether c is on the auto allowlist.
func (c Category) AutoAnswerable() bool {
	switch c {
	case CategoryAvailability, CategoryPickup, CategoryFAQ:
		return true
	}
	return false
}

// Classification of a Decision.
type Classification string

const (
	ClassAuto          Classification = "auto"
	ClassNeedsApproval Classification = "needs-approval"
)

// Decision is the single consumable outcome of classifying a batch.
type Decision struct {
	ConversationID  string
	Classification  Classification
	Category        Category
	Reply           string // drafted reply text
	Intent          string // human-readable label for the approval prompt
	MeetupConfirmed bool
	MeetupTime      string
	OwnerNotes      string
}

// Request is the context handed to the Reasoner: full history plus the new
// batch and the catalog facts the reply may rely on.
type Request struct {
	ConversationID   string
	DisplayName      string
	History          []store.Message
	BatchText        string // batched buyer messages, newline-joined
	Item             catalog.Item
	Location         string
	AvailabilityNote string
	LocalTime        time.Time
}

// Analysis is the Reasoner's raw output, validated by the Router before it
// becomes a Decision.
type Analysis struct {
	Category         Category
	RequiresApproval bool
	Intent           string
	Reply            string
	MeetupConfirmed  bool
	MeetupTime       string
	OwnerNotes       string
}

// Reasoner is the external judgement collaborator. An error return (or a
// malformed Analysis) triggers the fail-closed default.
type Reasoner interface {
	Analyze(ctx context.Context, req Request) (Analysis, error)
}

// Router validates reasoner output against the vocabulary and applies the
// routing policy.
type Router struct {
	reasoner Reasoner
	timeout  time.Duration
}

// NewRouter creates a Router around reasoner. timeout bounds each Analyze
// call; zero means 30s.
func NewRouter(reasoner Reasoner, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{reasoner: reasoner, timeout: timeout}
}

// Classify produces a Decision for a closed batch. It never fails: a
// reasoner error, timeout, or out-of-vocabulary result yields a
// needs-approval escalation with a safe fallback draft.
func (r *Router) Classify(ctx context.Context, req Request) Decision {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	analysis, err := r.reasoner.Analyze(cctx, req)
	if err != nil {
		return r.failClosed(req, fmt.Sprintf("reasoner failure: %v", err))
	}
	if !analysis.Category.Known() {
		return r.failClosed(req, fmt.Sprintf("out-of-vocabulary category %q", analysis.Category))
	}
	if strings.TrimSpace(analysis.Reply) == "" {
		analysis.Reply = FallbackReply(req)
	}
	if analysis.Intent == "" {
		analysis.Intent = string(analysis.Category)
	}

	d := Decision{
		ConversationID:  req.ConversationID,
		Category:        analysis.Category,
		Reply:           analysis.Reply,
		Intent:          analysis.Intent,
		MeetupConfirmed: analysis.MeetupConfirmed,
		MeetupTime:      analysis.MeetupTime,
		OwnerNotes:      analysis.OwnerNotes,
	}

	// Allowlist gate: the reasoner can escalate an allowlisted category,
	// but can never de-escalate a sensitive one.
	if analysis.RequiresApproval || !analysis.Category.AutoAnswerable() {
		d.Classification = ClassNeedsApproval
	} else {
		d.Classification = ClassAuto
	}
	return d
}

// failClosed is the MalformedCollaboratorOutput path: route to a human
// with a safe draft, never guess.
func (r *Router) failClosed(req Request, reason string) Decision {
	return Decision{
		ConversationID: req.ConversationID,
		Classification: ClassNeedsApproval,
		Category:       CategoryEscalation,
		Reply:          FallbackReply(req),
		Intent:         "escalated: " + reason,
		OwnerNotes:     reason,
	}
}

// FallbackReply builds the safe default draft from catalog facts.
func FallbackReply(req Request) string {
	return fmt.Sprintf(
		"Hi! Yes, it's available. Pickup at %s. My availability is %s. What time works for you?",
		req.Location, req.AvailabilityNote,
	)
}
