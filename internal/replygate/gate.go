// Package replygate decides whether the bot should speak at all. Every group
// message is evaluated against a private judgment history; direct mentions
// short-circuit deterministically before any model call.
package replygate

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/quailyquaily/personabot/internal/modelcfg"
	"github.com/quailyquaily/personabot/internal/session"
	"github.com/quailyquaily/personabot/llm"
)

// DefaultFallbackTrueProbability is the chance of replying when the judge
// model answers with neither token. Biased toward silence on purpose: a
// confused judge should mostly keep the bot quiet.
const DefaultFallbackTrueProbability = 0.2

var (
	trueWord  = regexp.MustCompile(`\btrue\b`)
	falseWord = regexp.MustCompile(`\bfalse\b`)
)

func judgmentSystemPrompt(name string) string {
	return fmt.Sprintf(
		"你是一个专门用于判断群聊消息是否需要用户回复的AI助手。该用户的名字是 '%s'。"+
			"仔细阅读给出的群聊消息上下文。"+
			"如果最新的一条消息是向该用户对话、或者结合上下文判断应该需要该用户参与和回复，请严格输出 'True'。"+
			"对于其他人的闲聊，可以判断时机适时加入话题中，此时请严格输出 'True'。"+
			"但如果不需要该用户插话，请严格输出 'False'。"+
			"一般而言当其他人聊5~8句你就可以适当加入一次（严格输出 'True'），保持活跃度."+
			"但也不要过于频繁以免打扰別人了。也就是除非你觉得非常有必要，否则不要连续回复（严格输出 'False'）。"+
			"注意：你的回复只能包含 'True' 或 'False'，不要输出任何额外的标点符号、解释或说明。",
		name,
	)
}

type Config struct {
	// BotName is the bot's display name inside the judgment prompt.
	BotName string
	// BotID is the numeric identity used for direct-mention detection.
	BotID int64
	// Selection picks the judge backend: local classifier or remote API.
	Selection modelcfg.Selection
	// Sampling is sent to the local classifier backend.
	Sampling llm.SamplingOptions
	// FallbackTrueProbability overrides the 20% default when > 0.
	FallbackTrueProbability float64
	// Rand is the randomness source for the ambiguous-output fallback;
	// injectable so the statistical property is testable.
	Rand   *rand.Rand
	Logger *slog.Logger
}

type Gate struct {
	mu      sync.Mutex
	name    string
	mention string
	history []llm.Message

	sel      modelcfg.Selection
	sampling llm.SamplingOptions
	local    llm.Client
	judge    *session.Session

	pTrue     float64
	randFloat func() float64
	logger    *slog.Logger
}

// New builds a gate. local serves the classifier backend, remote the API
// backend; only the one named by cfg.Selection is used.
func New(id string, cfg Config, local, remote llm.Client) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pTrue := cfg.FallbackTrueProbability
	if pTrue <= 0 {
		pTrue = DefaultFallbackTrueProbability
	}
	randFloat := rand.Float64
	if cfg.Rand != nil {
		randFloat = cfg.Rand.Float64
	}
	g := &Gate{
		name:      cfg.BotName,
		mention:   fmt.Sprintf("[CQ:at,qq=%d]", cfg.BotID),
		history:   []llm.Message{{Role: llm.RoleSystem, Content: judgmentSystemPrompt(cfg.BotName)}},
		sel:       cfg.Selection,
		sampling:  cfg.Sampling,
		local:     local,
		pTrue:     pTrue,
		randFloat: randFloat,
		logger:    logger.With("gate", id),
	}
	g.judge = session.New(id+"/judge", remote, session.Options{
		Model:  cfg.Selection.Name,
		Logger: logger,
	})
	return g
}

// ShouldReply evaluates one incoming group message. Empty input returns
// false without touching the judgment history. A backend failure rolls the
// speculative user turn back so the history never ends on an unanswered
// user turn.
func (g *Gate) ShouldReply(ctx context.Context, userText string) bool {
	if strings.TrimSpace(userText) == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.history = append(g.history, llm.Message{
		Role:    llm.RoleUser,
		Content: "最新群聊消息：" + userText,
	})

	// Direct mention of the bot's own id wins unconditionally, with no
	// model call.
	if strings.Contains(userText, g.mention) {
		g.history = append(g.history, llm.Message{Role: llm.RoleAssistant, Content: "True"})
		return true
	}

	if g.sel.Type == modelcfg.TypeLocal {
		return g.decideLocalLocked(ctx)
	}
	return g.decideRemoteLocked(ctx, userText)
}

func (g *Gate) decideLocalLocked(ctx context.Context) bool {
	sampling := g.sampling
	res, err := g.local.Chat(ctx, llm.Request{
		Model:    g.sel.Name,
		Messages: append([]llm.Message(nil), g.history...),
		Sampling: &sampling,
	})
	if err != nil {
		g.history = g.history[:len(g.history)-1]
		g.logger.Warn("gate_local_backend_failed", "error", err.Error())
		return false
	}
	need := g.parse(res.Text)
	g.logger.Debug("gate_local_decision", "raw", res.Text, "reply", need)

	// Store the normalized token so later turns keep the strict format.
	verdict := "False"
	if need {
		verdict = "True"
	}
	g.history = append(g.history, llm.Message{Role: llm.RoleAssistant, Content: verdict})
	return need
}

func (g *Gate) decideRemoteLocked(ctx context.Context, userText string) bool {
	// The judge session is synced from the judgment history minus the
	// speculative user turn; Submit appends the raw message itself, and on
	// success the judgment history mirrors the session back. Mention
	// verdicts recorded between evaluations stay part of the synced
	// context.
	g.judge.SetHistory(g.history[:len(g.history)-1])
	reply, err := g.judge.Submit(ctx, userText)
	if err != nil {
		g.history = g.history[:len(g.history)-1]
		g.logger.Warn("gate_remote_backend_failed", "error", err.Error())
		return false
	}
	need := g.parse(reply)
	g.logger.Debug("gate_remote_decision", "raw", reply, "reply", need)
	g.history = g.judge.History()
	return need
}

// parse extracts the verdict via case-insensitive whole-word matching, true
// checked before false. Output containing neither token falls back to a
// fixed probability of replying rather than an error.
func (g *Gate) parse(raw string) bool {
	text := strings.ToLower(strings.TrimSpace(raw))
	if trueWord.MatchString(text) {
		return true
	}
	if falseWord.MatchString(text) {
		return false
	}
	return g.randFloat() < g.pTrue
}

// HistoryLen reports the judgment history length.
func (g *Gate) HistoryLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.history)
}
