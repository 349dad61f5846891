// Package bot is the fan-in point: it owns the session registry and routes
// every inbound message through gate, session, and auxiliary deciders to the
// outbound sender.
package bot

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quailyquaily/personabot/internal/emoji"
	"github.com/quailyquaily/personabot/internal/modelcfg"
	"github.com/quailyquaily/personabot/internal/prompts"
	"github.com/quailyquaily/personabot/internal/replygate"
	"github.com/quailyquaily/personabot/internal/session"
	"github.com/quailyquaily/personabot/internal/voice"
	"github.com/quailyquaily/personabot/internal/worker"
	"github.com/quailyquaily/personabot/llm"
	"github.com/quailyquaily/personabot/transport"
)

// FallbackReply is the last-resort canned reply: the bot answers a triggered
// turn with something, never with silence-by-crash.
const FallbackReply = "呜... 脑子转不过来了..."

const (
	defaultMaxSessions = 256
	defaultMaxInFlight = 4
	jobQueueSize       = 16
)

type Config struct {
	BotName string
	BotID   int64
	Models  modelcfg.Config

	// Sampling is forwarded to the gate's local classifier backend.
	Sampling llm.SamplingOptions

	EmojiTags        []string
	EmojiAssetDir    string
	EmojiProbability float64
	// VoiceDir and VoiceThreshold only matter when a voice decider is
	// wired in Deps.
	VoiceDir       string
	VoiceThreshold float64

	// MaxTurns windows each session's history (0 = unbounded).
	MaxTurns int
	// MaxSessions caps the registry; the least recently active session
	// is evicted past the cap. 0 uses the default.
	MaxSessions int
	// MaxInFlight bounds concurrent model round-trips across all chats.
	MaxInFlight int

	Logger *slog.Logger
}

type Deps struct {
	// Reply generates conversation replies (primary provider).
	Reply llm.Client
	// Judge serves the gate's remote backend.
	Judge llm.Client
	// Classifier serves the gate's local backend.
	Classifier llm.Client
	// EmojiClient serves emoji classification.
	EmojiClient llm.Client

	Prompts *prompts.Store
	// EmojiPrompt is the instantiated classifier prompt.
	EmojiPrompt string
	// Voice is optional; nil disables voice-clip matching.
	Voice *voice.Decider

	Sender transport.Sender
}

type job struct {
	in   transport.Inbound
	text string
}

// chatEntry is one chat identity's full decision stack. Nothing in it is
// shared across chats.
type chatEntry struct {
	key          string
	session      *session.Session
	gate         *replygate.Gate
	emoji        *emoji.Decider
	jobs         *worker.Queue[job]
	lastActivity time.Time
}

type Manager struct {
	cfg    Config
	deps   Deps
	pool   *worker.Pool[job]
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*chatEntry
}

func NewManager(ctx context.Context, cfg Config, deps Deps) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.EmojiProbability <= 0 {
		cfg.EmojiProbability = emoji.DefaultProbability
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		pool:    worker.NewPool[job](ctx, cfg.MaxInFlight),
		logger:  logger,
		entries: make(map[string]*chatEntry),
	}
}

// Route accepts one inbound message. Blank text is dropped. The message is
// enqueued on the per-key worker so handling for one session key is strictly
// serialized; Route itself returns as soon as the job is queued.
func (m *Manager) Route(ctx context.Context, in transport.Inbound) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil
	}
	key, err := Key(in.Kind, in.ChatID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = m.newEntryLocked(key)
	}
	e.lastActivity = time.Now()
	m.evictLocked(key)
	m.mu.Unlock()

	m.logger.Info("message_received", "key", key, "sender", in.SenderID, "text_len", len(text))
	return m.pool.Enqueue(ctx, e.jobs, job{in: in, text: text})
}

func (m *Manager) newEntryLocked(key string) *chatEntry {
	s := session.New(key, m.deps.Reply, session.Options{
		Model:    m.cfg.Models.Reply.Name,
		MaxTurns: m.cfg.MaxTurns,
		Logger:   m.logger,
	})
	if err := s.Init(m.deps.Prompts, m.cfg.BotName); err != nil {
		// The session stays unprimed and fails fast on Submit.
		m.logger.Error("session_init_failed", "key", key, "error", err.Error())
	}

	gate := replygate.New(key, replygate.Config{
		BotName:   m.cfg.BotName,
		BotID:     m.cfg.BotID,
		Selection: m.cfg.Models.Decide,
		Sampling:  m.cfg.Sampling,
		Logger:    m.logger,
	}, m.deps.Classifier, m.deps.Judge)

	dec := emoji.New(m.deps.EmojiClient, emoji.Config{
		SystemPrompt: m.deps.EmojiPrompt,
		Tags:         m.cfg.EmojiTags,
		Model:        m.cfg.Models.Emoji.Name,
		RoleName:     s.RoleName(),
		AssetDir:     m.cfg.EmojiAssetDir,
		Logger:       m.logger,
	})

	e := &chatEntry{
		key:     key,
		session: s,
		gate:    gate,
		emoji:   dec,
		jobs:    m.pool.NewQueue(jobQueueSize),
	}
	m.entries[key] = e
	m.pool.Start(e.jobs, func(ctx context.Context, j job) {
		m.handle(ctx, e, j)
	})
	m.logger.Info("session_created", "key", key, "sessions", len(m.entries))
	return e
}

// evictLocked drops the least recently active session once the registry
// exceeds its cap. keep (the key being routed right now) is never a victim.
// The victim's queue is closed via its done signal, never by closing the jobs
// channel: a Route for the victim's key may still be parked on the send.
func (m *Manager) evictLocked(keep string) {
	for len(m.entries) > m.cfg.MaxSessions {
		victimKey := ""
		var victim *chatEntry
		for k, e := range m.entries {
			if k == keep {
				continue
			}
			if victim == nil || e.lastActivity.Before(victim.lastActivity) {
				victimKey, victim = k, e
			}
		}
		if victim == nil {
			return
		}
		delete(m.entries, victimKey)
		victim.jobs.Close()
		m.logger.Info("session_evicted", "key", victimKey, "idle", time.Since(victim.lastActivity).String())
	}
}

func (m *Manager) handle(ctx context.Context, e *chatEntry, j job) {
	private := j.in.Kind == transport.KindPrivate

	// Private chats always pass: there is no ambient noise to stay out of.
	if !private && !e.gate.ShouldReply(ctx, j.text) {
		m.logger.Info("reply_skipped", "key", e.key)
		return
	}

	reply, err := e.session.Submit(ctx, j.text)
	if err != nil {
		m.logger.Warn("reply_generation_failed", "key", e.key, "error", err.Error())
	}
	if strings.TrimSpace(reply) == "" {
		reply = FallbackReply
	}

	if err := m.deps.Sender.SendText(ctx, j.in.Kind, j.in.ChatID, reply); err != nil {
		m.logger.Error("send_text_failed", "key", e.key, "error", err.Error())
		return
	}
	m.logger.Info("reply_sent", "key", e.key, "reply_len", len(reply))

	if path := e.emoji.ResolveAsset(ctx, reply, m.cfg.EmojiProbability); path != "" {
		if err := m.deps.Sender.SendImage(ctx, j.in.Kind, j.in.ChatID, path); err != nil {
			m.logger.Warn("send_emoji_failed", "key", e.key, "error", err.Error())
		}
	}

	if m.deps.Voice != nil {
		if clip := m.deps.Voice.Match(ctx, reply, m.cfg.VoiceThreshold); clip != "" {
			path := filepath.Join(m.cfg.VoiceDir, clip)
			if err := m.deps.Sender.SendRecord(ctx, j.in.Kind, j.in.ChatID, path); err != nil {
				m.logger.Warn("send_voice_failed", "key", e.key, "error", err.Error())
			}
		}
	}
}

// Sessions reports the current registry size.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
