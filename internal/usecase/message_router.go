package usecase

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"mama-os/internal/domain"
)

// delegationTriggerPattern recognizes an explicit DELEGATE::{id}::... or
// DELEGATE_BG::{id}::... line, which forces stage-2 selection of the named
// agent regardless of mention rules. The same pattern is reused by the
// Orchestrator to extract delegation commands from an agent's own output.
var delegationTriggerPattern = regexp.MustCompile(`(?m)^DELEGATE(_BG)?::(\w+)::(.+)$`)

// RouteCategory is one configured category rule: among all categories whose
// pattern matches, the lowest Priority value wins (priority 1 beats
// priority 5), and the message routes to Category.AgentIDs.
type RouteCategory struct {
	Name     string
	Priority int
	Patterns []*regexp.Regexp
	AgentIDs []string
}

// MentionPolicy records, per (guild, channel), whether an agent's bot must
// be @mentioned for category/keyword/default stages to select it. Stages 1
// (free-chat) and 2 (explicit trigger) always bypass this requirement.
type MentionPolicy struct {
	mu            sync.RWMutex
	requireByPair map[string]bool // "guild:channel" -> requireMention
}

// NewMentionPolicy creates an empty MentionPolicy; requireMention defaults
// to false for any pair never configured.
func NewMentionPolicy() *MentionPolicy {
	return &MentionPolicy{requireByPair: make(map[string]bool)}
}

// Set configures requireMention for (guildID, channelID).
func (p *MentionPolicy) Set(guildID, channelID string, requireMention bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireByPair[guildID+":"+channelID] = requireMention
}

// RequireMention reports whether (guildID, channelID) requires a mention.
func (p *MentionPolicy) RequireMention(guildID, channelID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requireByPair[guildID+":"+channelID]
}

// RouterConfig is the static routing table a MessageRouter evaluates.
// Agents is keyed by AgentIdentity.ID; FreeChatGuilds lists guild IDs
// where every enabled agent is selected unconditionally (stage 1).
type RouterConfig struct {
	Agents         map[string]domain.AgentIdentity
	Categories     []RouteCategory
	DefaultAgentID string
	FreeChatGuilds map[string]bool
	MentionPolicy  *MentionPolicy
}

// MessageRouter runs the five-stage agent-selection pipeline over an
// inbound message. Unlike domain.AgentRouter (single-agent selection, used by the
// single/multi-agent Router in router.go), MessageRouter.Route returns every
// agent ID that should receive the message, since stage 1 (free-chat) and
// stage 3/4 (category/keyword) can both yield more than one agent.
//
// Grounded on multiagent/router.go's rule-table matching style (ConfigRouter,
// PrefixRouter) generalized from single-agent selection to a multi-select,
// mention-gated pipeline.
type MessageRouter struct {
	cfg    RouterConfig
	logger *slog.Logger
}

// NewMessageRouter creates a MessageRouter from cfg.
func NewMessageRouter(cfg RouterConfig, logger *slog.Logger) *MessageRouter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.FreeChatGuilds == nil {
		cfg.FreeChatGuilds = map[string]bool{}
	}
	if cfg.MentionPolicy == nil {
		cfg.MentionPolicy = NewMentionPolicy()
	}
	sorted := make([]RouteCategory, len(cfg.Categories))
	copy(sorted, cfg.Categories)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	cfg.Categories = sorted
	return &MessageRouter{cfg: cfg, logger: logger}
}

// Route implements the five-stage selection. It never returns an error: an
// unmatched message always falls through to stage 5 (the default agent).
func (mr *MessageRouter) Route(_ context.Context, msg domain.InboundMessage) []string {
	// Stage 1: free-chat. Every enabled agent is selected; no other stage runs.
	if mr.cfg.FreeChatGuilds[msg.GroupID] {
		ids := mr.allAgentIDs()
		mr.logger.Debug("free-chat stage selected all agents", "guild", msg.GroupID, "count", len(ids))
		return ids
	}

	// Stage 2: explicit trigger (triggerPrefix or DELEGATE(_BG)::id::...).
	// Bypasses mention rules entirely.
	if id, ok := mr.explicitTrigger(msg.Content); ok {
		mr.logger.Debug("explicit trigger matched", "agent_id", id)
		return []string{id}
	}

	requireMention := mr.cfg.MentionPolicy.RequireMention(msg.GroupID, msg.ChannelName)

	// Stage 3: category match. Categories are pre-sorted by ascending
	// priority (lower value = higher priority); first match wins.
	for _, cat := range mr.cfg.Categories {
		if !mr.anyPatternMatches(cat.Patterns, msg.Content) {
			continue
		}
		eligible := mr.filterByMention(cat.AgentIDs, msg, requireMention)
		if len(eligible) > 0 {
			mr.logger.Debug("category matched", "category", cat.Name, "agents", eligible)
			return eligible
		}
	}

	// Stage 4: keyword match. Every agent with a matching autoRespondKeyword
	// is selected (subject to the mention requirement).
	var keywordHits []string
	for id, agent := range mr.cfg.Agents {
		if !mr.mentionOK(id, msg, requireMention) {
			continue
		}
		if containsAnyKeyword(msg.Content, agent.AutoRespondKeywords) {
			keywordHits = append(keywordHits, id)
		}
	}
	if len(keywordHits) > 0 {
		sort.Strings(keywordHits)
		mr.logger.Debug("keyword match selected agents", "agents", keywordHits)
		return keywordHits
	}

	// Stage 5: default agent fallback, subject to the mention requirement.
	if mr.cfg.DefaultAgentID != "" && mr.mentionOK(mr.cfg.DefaultAgentID, msg, requireMention) {
		return []string{mr.cfg.DefaultAgentID}
	}
	return nil
}

// explicitTrigger checks for a triggerPrefix line or a DELEGATE(_BG)::id::
// line in content. Agent ids are matched case-sensitively.
func (mr *MessageRouter) explicitTrigger(content string) (string, bool) {
	if m := delegationTriggerPattern.FindStringSubmatch(content); m != nil {
		id := m[2]
		if _, ok := mr.cfg.Agents[id]; ok {
			return id, true
		}
	}
	trimmed := strings.TrimSpace(content)
	for id, agent := range mr.cfg.Agents {
		if agent.TriggerPrefix == "" {
			continue
		}
		if strings.HasPrefix(trimmed, agent.TriggerPrefix) {
			return id, true
		}
	}
	return "", false
}

// filterByMention keeps only the agent IDs in ids that pass the mention gate.
func (mr *MessageRouter) filterByMention(ids []string, msg domain.InboundMessage, requireMention bool) []string {
	var out []string
	for _, id := range ids {
		if mr.mentionOK(id, msg, requireMention) {
			out = append(out, id)
		}
	}
	return out
}

// mentionOK reports whether agentID may be selected given requireMention.
func (mr *MessageRouter) mentionOK(agentID string, msg domain.InboundMessage, requireMention bool) bool {
	if !requireMention {
		return true
	}
	agent, ok := mr.cfg.Agents[agentID]
	if !ok {
		return false
	}
	return msg.IsMention || domain.HasMention(msg.Content, agent.BotToken) || domain.HasMention(msg.Content, agentID)
}

func (mr *MessageRouter) allAgentIDs() []string {
	ids := make([]string, 0, len(mr.cfg.Agents))
	for id := range mr.cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (mr *MessageRouter) anyPatternMatches(patterns []*regexp.Regexp, content string) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

func containsAnyKeyword(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
