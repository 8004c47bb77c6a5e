package usecase

import (
	"context"
	"reflect"
	"regexp"
	"sort"
	"testing"

	"mama-os/internal/domain"
)

func testAgents() map[string]domain.AgentIdentity {
	return map[string]domain.AgentIdentity{
		"dev": {
			ID:                  "dev",
			TriggerPrefix:       "!dev",
			AutoRespondKeywords: []string{"deploy", "build"},
			BotToken:            "dev-bot-id",
		},
		"ops": {
			ID:                  "ops",
			AutoRespondKeywords: []string{"incident"},
			BotToken:            "ops-bot-id",
		},
		"chat": {
			ID: "chat",
		},
	}
}

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func TestMessageRouter_FreeChatSelectsAllAgents(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{
		Agents:         testAgents(),
		DefaultAgentID: "chat",
		FreeChatGuilds: map[string]bool{"guild1": true},
	}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{Content: "hey all", GroupID: "guild1"})
	if !reflect.DeepEqual(sorted(ids), []string{"chat", "dev", "ops"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestMessageRouter_ExplicitTriggerPrefix(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{
		Agents:         testAgents(),
		DefaultAgentID: "chat",
		MentionPolicy:  mentionRequiredPolicy("guild1", "chan1"),
	}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{
		Content: "!dev run the build please", GroupID: "guild1", ChannelName: "chan1",
	})
	if !reflect.DeepEqual(ids, []string{"dev"}) {
		t.Fatalf("got %v, want explicit trigger to bypass mention requirement", ids)
	}
}

func TestMessageRouter_ExplicitTriggerDelegateLine(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{Agents: testAgents(), DefaultAgentID: "chat"}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{
		Content: "some preamble\nDELEGATE::ops::investigate the outage",
	})
	if !reflect.DeepEqual(ids, []string{"ops"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestMessageRouter_ExplicitTriggerDelegateBGLine(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{Agents: testAgents(), DefaultAgentID: "chat"}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{
		Content: "DELEGATE_BG::dev::ship it",
	})
	if !reflect.DeepEqual(ids, []string{"dev"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestMessageRouter_CategoryMatchHighestPriorityWins(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{
		Agents:         testAgents(),
		DefaultAgentID: "chat",
		Categories: []RouteCategory{
			{Name: "low", Priority: 5, Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)outage`)}, AgentIDs: []string{"chat"}},
			{Name: "high", Priority: 1, Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)outage`)}, AgentIDs: []string{"ops"}},
		},
	}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{Content: "we have an outage"})
	if !reflect.DeepEqual(ids, []string{"ops"}) {
		t.Fatalf("got %v, want the priority-1 category to win", ids)
	}
}

func TestMessageRouter_CategoryRequiresMentionWhenConfigured(t *testing.T) {
	policy := mentionRequiredPolicy("guild1", "chan1")
	mr := NewMessageRouter(RouterConfig{
		Agents:         testAgents(),
		DefaultAgentID: "chat",
		MentionPolicy:  policy,
		Categories: []RouteCategory{
			{Name: "ops-cat", Priority: 1, Patterns: []*regexp.Regexp{regexp.MustCompile(`(?i)outage`)}, AgentIDs: []string{"ops"}},
		},
	}, nil)

	// Not mentioned: category agent filtered out, falls through to keyword/default.
	ids := mr.Route(context.Background(), domain.InboundMessage{
		Content: "there's an outage", GroupID: "guild1", ChannelName: "chan1",
	})
	if reflect.DeepEqual(ids, []string{"ops"}) {
		t.Fatalf("expected ops to be filtered out without a mention, got %v", ids)
	}

	// Mentioned: category applies.
	ids = mr.Route(context.Background(), domain.InboundMessage{
		Content: "<@ops-bot-id> there's an outage", GroupID: "guild1", ChannelName: "chan1",
	})
	if !reflect.DeepEqual(ids, []string{"ops"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestMessageRouter_KeywordMatch(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{Agents: testAgents(), DefaultAgentID: "chat"}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{Content: "please deploy this"})
	if !reflect.DeepEqual(ids, []string{"dev"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestMessageRouter_DefaultFallback(t *testing.T) {
	mr := NewMessageRouter(RouterConfig{Agents: testAgents(), DefaultAgentID: "chat"}, nil)

	ids := mr.Route(context.Background(), domain.InboundMessage{Content: "just saying hi"})
	if !reflect.DeepEqual(ids, []string{"chat"}) {
		t.Fatalf("got %v", ids)
	}
}

func mentionRequiredPolicy(guildID, channelID string) *MentionPolicy {
	p := NewMentionPolicy()
	p.Set(guildID, channelID, true)
	return p
}
