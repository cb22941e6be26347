package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSafelinkRule(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	rule, err := svc.AddSafelinkRule(ctx, modIdent, SafelinkRuleInput{
		Url:     "scam.example.com",
		Pattern: SafelinkPatternDomain,
		Action:  SafelinkActionBlock,
		Reason:  "phishing",
		Comment: "reported by trust and safety",
	})
	require.NoError(t, err)
	assert.NotZero(t, rule.ID)
	assert.Equal(t, modIdent.Did, rule.CreatedByDid)

	events, _, err := svc.ListSafelinkEvents(ctx, SafelinkQuery{Urls: []string{"scam.example.com"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SafelinkEventAddRule, events[0].EventType)
}

func TestAddSafelinkRuleDuplicate(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	in := SafelinkRuleInput{
		Url:     "scam.example.com",
		Pattern: SafelinkPatternDomain,
		Action:  SafelinkActionBlock,
		Reason:  "phishing",
	}
	_, err := svc.AddSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)

	_, err = svc.AddSafelinkRule(ctx, modIdent, in)
	assert.ErrorIs(t, err, ErrSafelinkRuleExists)

	// same url under a different pattern is a distinct rule
	in.Pattern = SafelinkPatternUrl
	_, err = svc.AddSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)
}

func TestSafelinkRuleValidation(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	_, err := svc.AddSafelinkRule(ctx, modIdent, SafelinkRuleInput{
		Url: "scam.example.com", Pattern: "regex", Action: SafelinkActionBlock, Reason: "phishing",
	})
	assert.ErrorIs(t, err, ErrInvalidSafelinkPattern)

	_, err = svc.AddSafelinkRule(ctx, modIdent, SafelinkRuleInput{
		Url: "scam.example.com", Pattern: SafelinkPatternDomain, Action: "nuke", Reason: "phishing",
	})
	assert.ErrorIs(t, err, ErrInvalidSafelinkAction)
}

func TestSafelinkRuleAuthorization(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	in := SafelinkRuleInput{
		Url:     "scam.example.com",
		Pattern: SafelinkPatternDomain,
		Action:  SafelinkActionBlock,
		Reason:  "phishing",
	}
	for _, actor := range []Identity{triageIdent, userIdent} {
		_, err := svc.AddSafelinkRule(ctx, actor, in)
		assert.ErrorIs(t, err, ErrSafelinkRequiresModerator)
		_, err = svc.UpdateSafelinkRule(ctx, actor, in)
		assert.ErrorIs(t, err, ErrSafelinkRequiresModerator)
		err = svc.RemoveSafelinkRule(ctx, actor, in)
		assert.ErrorIs(t, err, ErrSafelinkRequiresModerator)
	}
}

func TestUpdateSafelinkRule(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	in := SafelinkRuleInput{
		Url:     "scam.example.com",
		Pattern: SafelinkPatternDomain,
		Action:  SafelinkActionWarn,
		Reason:  "suspicious",
	}
	created, err := svc.AddSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)

	in.Action = SafelinkActionBlock
	in.Reason = "confirmed phishing"
	updated, err := svc.UpdateSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, SafelinkActionBlock, updated.Action)
	assert.Equal(t, "confirmed phishing", updated.Reason)

	events, _, err := svc.ListSafelinkEvents(ctx, SafelinkQuery{Urls: []string{"scam.example.com"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, SafelinkEventUpdateRule, events[0].EventType)

	in.Url = "unknown.example.com"
	_, err = svc.UpdateSafelinkRule(ctx, modIdent, in)
	assert.ErrorIs(t, err, ErrSafelinkRuleNotFound)
}

func TestRemoveSafelinkRule(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	in := SafelinkRuleInput{
		Url:     "scam.example.com",
		Pattern: SafelinkPatternDomain,
		Action:  SafelinkActionBlock,
		Reason:  "phishing",
	}
	_, err := svc.AddSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)

	require.NoError(t, svc.RemoveSafelinkRule(ctx, modIdent, in))
	assert.ErrorIs(t, svc.RemoveSafelinkRule(ctx, modIdent, in), ErrSafelinkRuleNotFound)

	rules, _, err := svc.ListSafelinkRules(ctx, SafelinkQuery{})
	require.NoError(t, err)
	assert.Empty(t, rules)

	// the journal keeps the full history after removal
	events, _, err := svc.ListSafelinkEvents(ctx, SafelinkQuery{Urls: []string{"scam.example.com"}})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// the rule can be recreated once removed
	_, err = svc.AddSafelinkRule(ctx, modIdent, in)
	require.NoError(t, err)
}

func TestListSafelinkRulesFilters(t *testing.T) {
	ctx := context.Background()
	svc := testService(t)

	seed := []SafelinkRuleInput{
		{Url: "a.example.com", Pattern: SafelinkPatternDomain, Action: SafelinkActionBlock, Reason: "phishing"},
		{Url: "b.example.com", Pattern: SafelinkPatternDomain, Action: SafelinkActionWarn, Reason: "spam"},
		{Url: "https://c.example.com/post/1", Pattern: SafelinkPatternUrl, Action: SafelinkActionWhitelist, Reason: "appealed"},
	}
	for _, in := range seed {
		_, err := svc.AddSafelinkRule(ctx, modIdent, in)
		require.NoError(t, err)
	}

	rules, _, err := svc.ListSafelinkRules(ctx, SafelinkQuery{Pattern: SafelinkPatternDomain})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, _, err = svc.ListSafelinkRules(ctx, SafelinkQuery{Actions: []string{SafelinkActionBlock, SafelinkActionWarn}})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, _, err = svc.ListSafelinkRules(ctx, SafelinkQuery{Urls: []string{"a.example.com"}})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "a.example.com", rules[0].Url)

	// cursor pagination walks the full set without duplicates
	seen := map[uint64]bool{}
	cursor := ""
	for {
		page, next, err := svc.ListSafelinkRules(ctx, SafelinkQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, r := range page {
			assert.False(t, seen[r.ID])
			seen[r.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 3)
}
