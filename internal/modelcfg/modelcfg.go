// Package modelcfg loads and validates the model-selection YAML. The result
// is an immutable value constructed once at process start and passed to the
// components that need it.
package modelcfg

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TypeAPI   = "api"
	TypeLocal = "local"
)

// Selection is one capability's validated (model name, deployment type) pair.
type Selection struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type Config struct {
	Reply  Selection
	Decide Selection
	Emoji  Selection
}

// Default returns the built-in fallback configuration.
func Default() Config {
	return Config{
		Reply:  Selection{Name: "deepseek-chat", Type: TypeAPI},
		Decide: Selection{Name: "qwen3-vl:4b", Type: TypeLocal},
		Emoji:  Selection{Name: "deepseek-chat", Type: TypeAPI},
	}
}

// nameAliases normalizes short model names to canonical identifiers before
// allow-list validation.
var nameAliases = map[string]string{
	"ds":       "deepseek-chat",
	"deepseek": "deepseek-chat",
	"qwen":     "qwen3-vl:4b",
	"qwen-4b":  "qwen3-vl:4b",
	"qwen-8b":  "qwen3-vl:8b",
	"qwen4b":   "qwen3-vl:4b",
	"qwen8b":   "qwen3-vl:8b",
}

var (
	allowedReply = []Selection{
		{Name: "deepseek-chat", Type: TypeAPI},
	}
	allowedDecide = []Selection{
		{Name: "qwen3-vl:4b", Type: TypeLocal},
		{Name: "qwen3-vl:8b", Type: TypeLocal},
		{Name: "deepseek-chat", Type: TypeAPI},
	}
	allowedEmoji = []Selection{
		{Name: "deepseek-chat", Type: TypeAPI},
	}
)

type fileSchema struct {
	Models struct {
		Reply  *Selection `yaml:"reply_model"`
		Decide *Selection `yaml:"decide_model"`
		Emoji  *Selection `yaml:"emoji_model"`
	} `yaml:"models"`
}

// Load reads the YAML at path. A missing file means all defaults; a section
// whose (name, type) combination is not allow-listed falls back to that
// section's default with a warning, never an error. An omitted section is
// logged so a misspelled section key does not pass silently.
func Load(path string, logger *slog.Logger) Config {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("model_config_read_error", "path", path, "error", err.Error())
		} else {
			logger.Info("model_config_missing", "path", path)
		}
		return cfg
	}

	var file fileSchema
	if err := yaml.Unmarshal(raw, &file); err != nil {
		logger.Warn("model_config_parse_error", "path", path, "error", err.Error())
		return cfg
	}

	cfg.Reply = validate("reply_model", file.Models.Reply, allowedReply, cfg.Reply, logger)
	cfg.Decide = validate("decide_model", file.Models.Decide, allowedDecide, cfg.Decide, logger)
	cfg.Emoji = validate("emoji_model", file.Models.Emoji, allowedEmoji, cfg.Emoji, logger)
	return cfg
}

func validate(section string, requested *Selection, allowed []Selection, fallback Selection, logger *slog.Logger) Selection {
	if requested == nil {
		logger.Info("model_config_section_missing",
			"section", section,
			"fallback", fmt.Sprintf("(%s, %s)", fallback.Name, fallback.Type),
		)
		return fallback
	}
	candidate := Selection{
		Name: canonicalName(requested.Name),
		Type: strings.ToLower(strings.TrimSpace(requested.Type)),
	}
	for _, ok := range allowed {
		if candidate == ok {
			return candidate
		}
	}
	logger.Warn("model_config_invalid",
		"section", section,
		"requested", fmt.Sprintf("(%s, %s)", candidate.Name, candidate.Type),
		"fallback", fmt.Sprintf("(%s, %s)", fallback.Name, fallback.Type),
	)
	return fallback
}

func canonicalName(name string) string {
	name = strings.TrimSpace(name)
	if canonical, ok := nameAliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}
