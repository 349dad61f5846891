// Package emoji maps a generated reply onto a discrete emoji tag and then
// onto an on-disk image asset.
package emoji

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/quailyquaily/personabot/llm"
)

// DefaultTags is the built-in allowed tag set.
func DefaultTags() []string {
	return []string{"安详", "担忧", "好奇", "紧张", "惊讶", "难过", "平静", "微笑", "委屈", "疑惑", "震惊"}
}

// DefaultProbability gates emoji usage before the classifier runs, so emoji
// frequency is throttled independent of classification confidence.
const DefaultProbability = 0.8

type Config struct {
	// SystemPrompt is the instantiated classifier prompt (placeholder
	// already substituted with the tag set).
	SystemPrompt string
	// Tags is the closed set of accepted outputs.
	Tags []string
	// Model is the completion model used for classification.
	Model string
	// RoleName selects the asset subdirectory.
	RoleName string
	// AssetDir is the emoji asset root (assets/emoji).
	AssetDir string
	// Rand is injectable for the Bernoulli gate.
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Decider classifies text into the allowed tag set with a stateless,
// zero-temperature completion call. It composes over llm.Client; it is not a
// conversation and keeps no history.
type Decider struct {
	client    llm.Client
	prompt    string
	tags      map[string]struct{}
	model     string
	roleName  string
	assetDir  string
	randFloat func() float64
	logger    *slog.Logger
}

func New(client llm.Client, cfg Config) *Decider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tags := cfg.Tags
	if len(tags) == 0 {
		tags = DefaultTags()
	}
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
	randFloat := rand.Float64
	if cfg.Rand != nil {
		randFloat = cfg.Rand.Float64
	}
	return &Decider{
		client:    client,
		prompt:    cfg.SystemPrompt,
		tags:      set,
		model:     cfg.Model,
		roleName:  cfg.RoleName,
		assetDir:  cfg.AssetDir,
		randFloat: randFloat,
		logger:    logger,
	}
}

// Decide returns the chosen tag, or "" when no emoji applies. Only exact
// members of the tag set are accepted; the explicit negation token, any text
// containing "False", or an unknown tag all mean no emoji.
func (d *Decider) Decide(ctx context.Context, text string) string {
	res, err := d.client.Chat(ctx, llm.Request{
		Model: d.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: d.prompt},
			{Role: llm.RoleUser, Content: text},
		},
		// Classification wants determinism.
		Temperature: llm.Temp(0),
	})
	if err != nil {
		d.logger.Warn("emoji_decide_failed", "error", err.Error())
		return ""
	}

	result := strings.TrimSpace(res.Text)
	if _, ok := d.tags[result]; ok {
		return result
	}
	return ""
}

// ResolveAsset applies the Bernoulli gate at probability p, classifies, and
// maps the tag to <assetDir>/<role>/<tag>.png. A missing file degrades to
// no emoji.
func (d *Decider) ResolveAsset(ctx context.Context, text string, p float64) string {
	if d.randFloat() >= p {
		return ""
	}
	tag := d.Decide(ctx, text)
	if tag == "" {
		return ""
	}
	path := filepath.Join(d.assetDir, d.roleName, tag+".png")
	if _, err := os.Stat(path); err != nil {
		d.logger.Warn("emoji_asset_missing", "path", path)
		return ""
	}
	d.logger.Debug("emoji_selected", "tag", tag, "path", path)
	return path
}
