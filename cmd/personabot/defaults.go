package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)

	viper.SetDefault("bot.name", "白子")
	viper.SetDefault("bot.id", int64(0))

	viper.SetDefault("assets.dir", "assets")
	viper.SetDefault("models.config", "assets/config/models.yaml")

	viper.SetDefault("llm.provider", "deepseek")
	viper.SetDefault("llm.request_timeout", 90*time.Second)

	viper.SetDefault("ollama.endpoint", "http://127.0.0.1:11434")
	viper.SetDefault("ollama.request_timeout", 60*time.Second)

	viper.SetDefault("dashscope.endpoint", "")
	viper.SetDefault("dashscope.model", "")
	viper.SetDefault("dashscope.request_timeout", 30*time.Second)

	viper.SetDefault("emoji.probability", 0.8)
	viper.SetDefault("voice.library", "")
	viper.SetDefault("voice.threshold", 0.712)

	viper.SetDefault("session.max_turns", 0)
	viper.SetDefault("session.max_sessions", 256)
	viper.SetDefault("session.max_in_flight", 4)

	viper.SetDefault("onebot.url", "ws://127.0.0.1:3001")
	viper.SetDefault("onebot.access_token", "")
	viper.SetDefault("onebot.reconnect_delay", 5*time.Second)
}
