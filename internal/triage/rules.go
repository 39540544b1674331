package triage

import (
	"context"
	"fmt"
	"strings"
)

// RuleReasoner is the built-in deterministic Reasoner: keyword rules over
// the batched text, replies templated from the catalog. It exists so the
// gateway works with no external model; an AI collaborator plugs in behind
// the same Reasoner interface.
type RuleReasoner struct{}

// NewRuleReasoner creates the keyword-rule reasoner.
func NewRuleReasoner() *RuleReasoner {
	return &RuleReasoner{}
}

var ruleTable = []struct {
	category Category
	keywords []string
}{
	// Sensitive categories first: a batch mixing "is it available" with
	// "is it negotiable" must classify as the sensitive one.
	{CategoryPricing, []string{"negotia", "lower", "discount", "offer", "best price", "how much", "$", "cheaper", "price"}},
	{CategoryScheduling, []string{"meet", "pickup time", "when can", "what time", "tomorrow", "tonight", "today at", "weekend", "schedule", "confirm"}},
	{CategoryDelivery, []string{"deliver", "ship", "mail", "drop off", "trade", "e-transfer", "paypal", "venmo", "send it"}},
	{CategoryAvailability, []string{"available", "still have", "sold", "is this still"}},
	{CategoryPickup, []string{"where", "location", "address", "which library", "pick up at", "pickup location"}},
	{CategoryFAQ, []string{"condition", "new", "used", "brand", "length", "color", "work with", "compatible"}},
}

// Analyze classifies the batch by keyword and drafts a templated reply.
func (r *RuleReasoner) Analyze(_ context.Context, req Request) (Analysis, error) {
	text := strings.ToLower(req.BatchText)

	category := CategoryEscalation
	for _, rule := range ruleTable {
		if containsAny(text, rule.keywords) {
			category = rule.category
			break
		}
	}

	a := Analysis{
		Category:         category,
		RequiresApproval: !category.AutoAnswerable(),
		Intent:           intentLabel(category),
	}

	switch category {
	case CategoryAvailability:
		a.Reply = fmt.Sprintf("Hi! Yes, the %s is still available. Pickup at %s, %s.",
			req.Item.Name, req.Location, req.AvailabilityNote)
	case CategoryPickup:
		a.Reply = fmt.Sprintf("Pickup is at %s. I'm usually free %s.", req.Location, req.AvailabilityNote)
	case CategoryFAQ:
		a.Reply = fmt.Sprintf("It's the %s, listed at $%.0f. Happy to answer anything else!",
			req.Item.Name, req.Item.ListedPrice)
	case CategoryPricing:
		a.Reply = fmt.Sprintf("Thanks for the offer! The listed price is $%.0f, let me check and get back to you shortly.",
			req.Item.ListedPrice)
	case CategoryScheduling:
		// Never finalize a meetup without the owner: the draft promises a
		// follow-up, not a confirmation.
		a.Reply = fmt.Sprintf("That could work! Let me double-check my schedule and confirm. Pickup would be at %s.",
			req.Location)
	case CategoryDelivery:
		a.Reply = fmt.Sprintf("I normally do in-person pickup at %s. Let me get back to you on that.", req.Location)
	default:
		a.Reply = FallbackReply(req)
	}

	return a, nil
}

func intentLabel(c Category) string {
	switch c {
	case CategoryAvailability:
		return "availability question"
	case CategoryPickup:
		return "pickup location question"
	case CategoryFAQ:
		return "product question"
	case CategoryPricing:
		return "price negotiation"
	case CategoryScheduling:
		return "meetup scheduling"
	case CategoryDelivery:
		return "delivery / trade / payment"
	default:
		return "needs a look"
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
