package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/personabot/internal/bot"
	"github.com/quailyquaily/personabot/internal/emoji"
	"github.com/quailyquaily/personabot/internal/logutil"
	"github.com/quailyquaily/personabot/internal/modelcfg"
	"github.com/quailyquaily/personabot/internal/prompts"
	"github.com/quailyquaily/personabot/internal/voice"
	"github.com/quailyquaily/personabot/llm"
	"github.com/quailyquaily/personabot/providers/dashscope"
	"github.com/quailyquaily/personabot/providers/ollama"
	"github.com/quailyquaily/personabot/providers/openaicompat"
	"github.com/quailyquaily/personabot/transport"
	"github.com/quailyquaily/personabot/transport/onebot"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the chat transport and route messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().String("onebot-url", "", "OneBot websocket endpoint.")
	_ = viper.BindPFlag("onebot.url", cmd.Flags().Lookup("onebot-url"))
	cmd.Flags().String("bot-name", "", "Bot role name.")
	_ = viper.BindPFlag("bot.name", cmd.Flags().Lookup("bot-name"))
	cmd.Flags().Int64("bot-id", 0, "Bot numeric id for mention detection.")
	_ = viper.BindPFlag("bot.id", cmd.Flags().Lookup("bot-id"))

	return cmd
}

func runServe(ctx context.Context) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	botID := viper.GetInt64("bot.id")
	if botID == 0 {
		return fmt.Errorf("missing bot.id (set via --bot-id or %s_BOT_ID)", envPrefix)
	}

	assetsDir := viper.GetString("assets.dir")
	promptStore := prompts.NewStore(filepath.Join(assetsDir, "prompt"), nil, nil)

	models := modelcfg.Load(viper.GetString("models.config"), logger)
	logger.Info("models_resolved",
		"reply", models.Reply.Name, "decide", models.Decide.Name, "emoji", models.Emoji.Name)

	reply, judge, err := completionClients(assetsDir)
	if err != nil {
		return err
	}
	classifier := ollama.New(viper.GetString("ollama.endpoint"), viper.GetDuration("ollama.request_timeout"))

	tags := viper.GetStringSlice("emoji.tags")
	if len(tags) == 0 {
		tags = emoji.DefaultTags()
	}
	emojiPrompt, err := promptStore.EmojiPrompt(tags)
	if err != nil {
		return fmt.Errorf("emoji prompt unavailable: %w", err)
	}

	voiceDecider, voiceDir, err := voiceDeciderFromViper(ctx, assetsDir, logger)
	if err != nil {
		return err
	}

	sender := onebot.New(onebot.Config{
		URL:         viper.GetString("onebot.url"),
		AccessToken: viper.GetString("onebot.access_token"),
		Logger:      logger,
	})

	manager := bot.NewManager(ctx, bot.Config{
		BotName:          viper.GetString("bot.name"),
		BotID:            botID,
		Models:           models,
		Sampling:         ollama.DefaultSampling(),
		EmojiTags:        tags,
		EmojiAssetDir:    filepath.Join(assetsDir, "emoji"),
		EmojiProbability: viper.GetFloat64("emoji.probability"),
		VoiceDir:         voiceDir,
		VoiceThreshold:   viper.GetFloat64("voice.threshold"),
		MaxTurns:         viper.GetInt("session.max_turns"),
		MaxSessions:      viper.GetInt("session.max_sessions"),
		MaxInFlight:      viper.GetInt("session.max_in_flight"),
		Logger:           logger,
	}, bot.Deps{
		Reply:       reply,
		Judge:       judge,
		Classifier:  classifier,
		EmojiClient: judge,
		Prompts:     promptStore,
		EmojiPrompt: emojiPrompt,
		Voice:       voiceDecider,
		Sender:      sender,
	})

	handle := func(ctx context.Context, in transport.Inbound) {
		if err := manager.Route(ctx, in); err != nil {
			logger.Warn("route_failed", "error", err.Error())
		}
	}

	reconnectDelay := viper.GetDuration("onebot.reconnect_delay")
	for {
		err := sender.Run(ctx, handle)
		if ctx.Err() != nil {
			logger.Info("serve_stopped")
			return nil
		}
		logger.Warn("onebot_disconnected", "error", err.Error(), "retry_in", reconnectDelay.String())
		select {
		case <-ctx.Done():
			logger.Info("serve_stopped")
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// completionClients builds the reply client from the configured provider and
// the judge/emoji client from the primary provider. Credential files fail
// construction when unreadable or undecodable.
func completionClients(assetsDir string) (reply, judge llm.Client, err error) {
	keyDir := filepath.Join(assetsDir, "api_key")
	timeout := viper.GetDuration("llm.request_timeout")

	deepseekKey, err := prompts.LoadText(filepath.Join(keyDir, "deepseek.txt"))
	if err != nil {
		return nil, nil, fmt.Errorf("load deepseek credential: %w", err)
	}
	deepseek := openaicompat.NewDeepSeek(strings.TrimSpace(deepseekKey), timeout)

	switch provider := strings.ToLower(viper.GetString("llm.provider")); provider {
	case "", "deepseek":
		return deepseek, deepseek, nil
	case "moonshot", "kimi":
		moonshotKey, err := prompts.LoadText(filepath.Join(keyDir, "kimi.txt"))
		if err != nil {
			return nil, nil, fmt.Errorf("load moonshot credential: %w", err)
		}
		return openaicompat.NewMoonshot(strings.TrimSpace(moonshotKey), timeout), deepseek, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm.provider: %s", provider)
	}
}

// voiceDeciderFromViper builds the voice decider when a library is
// configured; otherwise voice matching is disabled.
func voiceDeciderFromViper(ctx context.Context, assetsDir string, logger *slog.Logger) (*voice.Decider, string, error) {
	library := strings.TrimSpace(viper.GetString("voice.library"))
	if library == "" {
		return nil, "", nil
	}

	qwenKey, err := prompts.LoadText(filepath.Join(assetsDir, "api_key", "qwen.txt"))
	if err != nil {
		return nil, "", fmt.Errorf("load dashscope credential: %w", err)
	}
	embedder := dashscope.New(
		viper.GetString("dashscope.endpoint"),
		strings.TrimSpace(qwenKey),
		viper.GetString("dashscope.model"),
		viper.GetDuration("dashscope.request_timeout"),
	)

	decider, err := voice.Load(ctx, library, embedder, logger)
	if err != nil {
		return nil, "", fmt.Errorf("build voice library: %w", err)
	}
	return decider, filepath.Dir(library), nil
}
