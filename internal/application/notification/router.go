package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
	"github.com/execution-hub/invitation-hub/internal/domain/notification"
)

// Rule picks channels and priority for events matching When, a boolean
// expression over action, status, role and recipient.
type Rule struct {
	Name     string                 `json:"name"`
	When     string                 `json:"when"`
	Channels []notification.Channel `json:"channels"`
	Priority notification.Priority  `json:"priority"`
}

// Route is the delivery plan for one event.
type Route struct {
	Rule     string
	Channels []notification.Channel
	Priority notification.Priority
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// Router evaluates rules in order; the first match wins.
type Router struct {
	rules    []compiledRule
	fallback Route
}

var fallbackRoute = Route{
	Rule:     "fallback",
	Channels: []notification.Channel{notification.ChannelSSE},
	Priority: notification.PriorityMedium,
}

// DefaultRules covers every ledger action.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "agreement",
			When:     "action == 'accepted' || action == 'counter_accepted'",
			Channels: []notification.Channel{notification.ChannelSSE, notification.ChannelWebhook, notification.ChannelEmail},
			Priority: notification.PriorityHigh,
		},
		{
			Name:     "counter",
			When:     "action == 'counter_proposed'",
			Channels: []notification.Channel{notification.ChannelSSE, notification.ChannelWebhook, notification.ChannelEmail},
			Priority: notification.PriorityHigh,
		},
		{
			Name:     "proposal",
			When:     "action == 'proposed' || action == 'resend'",
			Channels: []notification.Channel{notification.ChannelSSE, notification.ChannelEmail, notification.ChannelWhatsApp},
			Priority: notification.PriorityMedium,
		},
		{
			Name:     "refusal",
			When:     "action == 'declined' || action == 'counter_declined' || action == 'withdrawn'",
			Channels: []notification.Channel{notification.ChannelSSE, notification.ChannelEmail},
			Priority: notification.PriorityMedium,
		},
		{
			Name:     "expiry",
			When:     "action == 'expired'",
			Channels: []notification.Channel{notification.ChannelSSE},
			Priority: notification.PriorityLow,
		},
	}
}

// LoadRules reads a JSON array of rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode routing rules: %w", err)
	}
	return rules, nil
}

// NewRouter compiles every rule up front so a bad expression fails at
// startup rather than on the first event.
func NewRouter(rules []Rule) (*Router, error) {
	r := &Router{fallback: fallbackRoute}
	for i, rule := range rules {
		cond := strings.TrimSpace(rule.When)
		if cond == "" {
			cond = "true"
		}
		expr, err := govaluate.NewEvaluableExpression(cond)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		if len(rule.Channels) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no channels", i, rule.Name)
		}
		for _, ch := range rule.Channels {
			if !validChannel(ch) {
				return nil, fmt.Errorf("rule %d (%s): unknown channel %q", i, rule.Name, ch)
			}
		}
		if rule.Priority == "" {
			rule.Priority = notification.PriorityMedium
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, expr: expr})
	}
	return r, nil
}

// Route returns the plan of the first rule matching ev.
func (r *Router) Route(ev *invitation.OutboxEvent) Route {
	params := map[string]interface{}{
		"action":    string(ev.Action),
		"status":    string(ev.Status),
		"role":      string(ev.ActorRole),
		"recipient": ev.RecipientID,
	}
	for _, rule := range r.rules {
		ok, err := evaluate(rule.expr, params)
		if err != nil || !ok {
			continue
		}
		return Route{
			Rule:     rule.Name,
			Channels: append([]notification.Channel(nil), rule.Channels...),
			Priority: rule.Priority,
		}
	}
	fb := r.fallback
	fb.Channels = append([]notification.Channel(nil), fb.Channels...)
	return fb
}

func evaluate(expr *govaluate.EvaluableExpression, params map[string]interface{}) (bool, error) {
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("rule did not evaluate to boolean")
	}
	return v, nil
}

func validChannel(ch notification.Channel) bool {
	switch ch {
	case notification.ChannelSSE, notification.ChannelWebhook, notification.ChannelEmail,
		notification.ChannelPush, notification.ChannelWhatsApp:
		return true
	}
	return false
}
