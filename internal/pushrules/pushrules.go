// Package pushrules models per-user notification rule sets. The five rule
// kinds share one generic set implementation; kind only selects which list a
// rule lives in.
package pushrules

import (
	"encoding/json"
	"strings"

	"github.com/hankbao/conduit/internal/errs"
)

// Kind names one of the rule lists in a ruleset.
type Kind string

const (
	KindOverride  Kind = "override"
	KindUnderride Kind = "underride"
	KindSender    Kind = "sender"
	KindRoom      Kind = "room"
	KindContent   Kind = "content"
)

// AccountDataType is the account data entry a user's ruleset is stored under.
const AccountDataType = "m.push_rules"

// Condition gates when a conditional rule fires.
type Condition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Is      string `json:"is,omitempty"`
}

// Rule is one notification rule. Conditions and Pattern are only meaningful
// for the kinds that carry them; the set operations never look inside either.
type Rule struct {
	RuleID     string            `json:"rule_id"`
	Default    bool              `json:"default"`
	Enabled    bool              `json:"enabled"`
	Actions    []json.RawMessage `json:"actions"`
	Conditions []Condition       `json:"conditions,omitempty"`
	Pattern    string            `json:"pattern,omitempty"`
}

// Ruleset is a user's complete set of push rules.
type Ruleset struct {
	Override  []Rule `json:"override"`
	Underride []Rule `json:"underride"`
	Sender    []Rule `json:"sender"`
	Room      []Rule `json:"room"`
	Content   []Rule `json:"content"`
}

func (rs *Ruleset) list(kind Kind) (*[]Rule, error) {
	switch kind {
	case KindOverride:
		return &rs.Override, nil
	case KindUnderride:
		return &rs.Underride, nil
	case KindSender:
		return &rs.Sender, nil
	case KindRoom:
		return &rs.Room, nil
	case KindContent:
		return &rs.Content, nil
	default:
		return nil, errs.Validation("unknown push rule kind: " + string(kind))
	}
}

// Rule returns the rule registered under (kind, ruleID).
func (rs *Ruleset) Rule(kind Kind, ruleID string) (*Rule, error) {
	rules, err := rs.list(kind)
	if err != nil {
		return nil, err
	}
	for i := range *rules {
		if (*rules)[i].RuleID == ruleID {
			return &(*rules)[i], nil
		}
	}
	return nil, errs.NotFound("push rule not found: " + ruleID)
}

// Upsert replaces the rule with the same id in the kind's list, or appends it.
func (rs *Ruleset) Upsert(kind Kind, rule Rule) error {
	if rule.RuleID == "" {
		return errs.Validation("push rule id must not be empty")
	}
	rules, err := rs.list(kind)
	if err != nil {
		return err
	}
	for i := range *rules {
		if (*rules)[i].RuleID == rule.RuleID {
			(*rules)[i] = rule
			return nil
		}
	}
	*rules = append(*rules, rule)
	return nil
}

// SetEnabled flips the enabled flag on (kind, ruleID).
func (rs *Ruleset) SetEnabled(kind Kind, ruleID string, enabled bool) error {
	rule, err := rs.Rule(kind, ruleID)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return nil
}

// SetActions replaces the actions on (kind, ruleID).
func (rs *Ruleset) SetActions(kind Kind, ruleID string, actions []json.RawMessage) error {
	rule, err := rs.Rule(kind, ruleID)
	if err != nil {
		return err
	}
	rule.Actions = actions
	return nil
}

// Delete removes (kind, ruleID). Server-default rules cannot be deleted.
func (rs *Ruleset) Delete(kind Kind, ruleID string) error {
	rules, err := rs.list(kind)
	if err != nil {
		return err
	}
	for i := range *rules {
		if (*rules)[i].RuleID != ruleID {
			continue
		}
		if (*rules)[i].Default {
			return errs.Forbidden("server default push rules cannot be deleted")
		}
		*rules = append((*rules)[:i], (*rules)[i+1:]...)
		return nil
	}
	return errs.NotFound("push rule not found: " + ruleID)
}

var (
	actionNotify     = json.RawMessage(`"notify"`)
	actionDontNotify = json.RawMessage(`"dont_notify"`)
	tweakSound       = json.RawMessage(`{"set_tweak":"sound","value":"default"}`)
	tweakHighlight   = json.RawMessage(`{"set_tweak":"highlight"}`)
)

// Default builds the server-default ruleset for userID.
func Default(userID string) Ruleset {
	localpart := userID
	if trimmed := strings.TrimPrefix(userID, "@"); trimmed != userID {
		if idx := strings.IndexByte(trimmed, ':'); idx >= 0 {
			localpart = trimmed[:idx]
		} else {
			localpart = trimmed
		}
	}

	return Ruleset{
		Override: []Rule{
			{
				RuleID:  ".m.rule.master",
				Default: true,
				Enabled: false,
				Actions: []json.RawMessage{actionDontNotify},
			},
			{
				RuleID:  ".m.rule.suppress_notices",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionDontNotify},
				Conditions: []Condition{
					{Kind: "event_match", Key: "content.msgtype", Pattern: "m.notice"},
				},
			},
			{
				RuleID:  ".m.rule.invite_for_me",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakSound},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.room.member"},
					{Kind: "event_match", Key: "content.membership", Pattern: "invite"},
					{Kind: "event_match", Key: "state_key", Pattern: userID},
				},
			},
			{
				RuleID:  ".m.rule.member_event",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionDontNotify},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.room.member"},
				},
			},
			{
				RuleID:  ".m.rule.contains_display_name",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakSound, tweakHighlight},
				Conditions: []Condition{
					{Kind: "contains_display_name"},
				},
			},
			{
				RuleID:  ".m.rule.tombstone",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakHighlight},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.room.tombstone"},
					{Kind: "event_match", Key: "state_key", Pattern: ""},
				},
			},
			{
				RuleID:  ".m.rule.roomnotif",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakHighlight},
				Conditions: []Condition{
					{Kind: "event_match", Key: "content.body", Pattern: "@room"},
					{Kind: "sender_notification_permission", Key: "room"},
				},
			},
		},
		Content: []Rule{
			{
				RuleID:  ".m.rule.contains_user_name",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakSound, tweakHighlight},
				Pattern: localpart,
			},
		},
		Underride: []Rule{
			{
				RuleID:  ".m.rule.call",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, json.RawMessage(`{"set_tweak":"sound","value":"ring"}`)},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.call.invite"},
				},
			},
			{
				RuleID:  ".m.rule.encrypted_room_one_to_one",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakSound},
				Conditions: []Condition{
					{Kind: "room_member_count", Is: "2"},
					{Kind: "event_match", Key: "type", Pattern: "m.room.encrypted"},
				},
			},
			{
				RuleID:  ".m.rule.room_one_to_one",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify, tweakSound},
				Conditions: []Condition{
					{Kind: "room_member_count", Is: "2"},
					{Kind: "event_match", Key: "type", Pattern: "m.room.message"},
				},
			},
			{
				RuleID:  ".m.rule.message",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.room.message"},
				},
			},
			{
				RuleID:  ".m.rule.encrypted",
				Default: true,
				Enabled: true,
				Actions: []json.RawMessage{actionNotify},
				Conditions: []Condition{
					{Kind: "event_match", Key: "type", Pattern: "m.room.encrypted"},
				},
			},
		},
	}
}

// Envelope is the stored account data shape wrapping a ruleset.
type Envelope struct {
	Global Ruleset `json:"global"`
}

// Encode renders the ruleset as an account data event payload.
func Encode(ruleset Ruleset) (json.RawMessage, error) {
	payload := struct {
		Type    string   `json:"type"`
		Content Envelope `json:"content"`
	}{
		Type:    AccountDataType,
		Content: Envelope{Global: ruleset},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Validation("push ruleset cannot be serialized")
	}
	return raw, nil
}

// Decode parses an account data content blob back into a ruleset.
func Decode(content json.RawMessage) (Ruleset, error) {
	var envelope Envelope
	if err := json.Unmarshal(content, &envelope); err != nil {
		return Ruleset{}, errs.BadDatabaseWrap("stored push ruleset is malformed", err)
	}
	return envelope.Global, nil
}
