package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/pihq/pi/internal/build"
	"github.com/pihq/pi/internal/log"
	"github.com/pihq/pi/internal/tracing"
	"github.com/pihq/pi/llm"
	"github.com/pihq/pi/llm/codex"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "chat":
			if len(os.Args) < 3 {
				fmt.Fprintln(os.Stderr, "usage: pi chat <prompt>")
				os.Exit(2)
			}

			os.Exit(runChat(os.Args[2]))
		case "models":
			showModels()
			return
		case "version", "--version", "-v":
			fmt.Println("pi", build.Version)
			return
		case "build-info":
			fmt.Print(build.GetBuildInfo())
			return
		case "help", "--help", "-h":
			showHelp()
			return
		}
	}

	showHelp()
}

func showHelp() {
	fmt.Println(`pi - coding agent CLI

Commands:
  chat <prompt>   stream one assistant turn
  models          list known models
  version         print the version`)
}

func showModels() {
	for _, model := range codex.DefaultModels() {
		fmt.Println(model.ID)
	}
}

type config struct {
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"api_key"`
	SessionID    string `mapstructure:"session_id"`
	Effort       string `mapstructure:"reasoning_effort"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Debug        bool   `mapstructure:"debug"`
}

func loadConfig() (*config, error) {
	v := viper.New()
	v.SetEnvPrefix("PI")
	v.AutomaticEnv()

	v.SetDefault("model", "gpt-5.2-codex")
	v.SetDefault("api_key", "")
	v.SetDefault("session_id", "")
	v.SetDefault("reasoning_effort", "medium")
	v.SetDefault("system_prompt", "You are pi, a terminal-based coding agent. Be precise, safe, and helpful.")
	v.SetDefault("debug", false)

	v.SetConfigName("pi")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.config/pi")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func runChat(prompt string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pi: invalid config:", err)
		return 1
	}

	if cfg.Debug {
		log.Default().SetLevel(zapcore.DebugLevel)
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "pi: PI_API_KEY is not set")
		return 1
	}

	model, ok := codex.LookupModel(cfg.Model)
	if !ok {
		fmt.Fprintf(os.Stderr, "pi: unknown model %q\n", cfg.Model)
		return 1
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = tracing.WithTraceID(ctx, tracing.GenerateTraceID())

	client := codex.NewClient()
	sessions := codex.NewSessionRegistry()

	opts := codex.StreamOptions{
		APIKey:          cfg.APIKey,
		SessionID:       cfg.SessionID,
		ReasoningEffort: llm.ReasoningEffort(cfg.Effort),
		Sessions:        sessions,
	}

	turn := client.Stream(ctx, model, llm.Context{
		SystemPrompt: cfg.SystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: llm.MessageContent{Content: &prompt}},
		},
	}, opts)

	events := turn.Events()
	for events.Next() {
		if ev := events.Current(); ev.Kind == codex.EventTextDelta {
			fmt.Print(ev.Delta)
		}
	}

	fmt.Println()

	result := turn.Result()

	switch result.StopReason {
	case codex.StopReasonCompleted:
		if result.Usage != nil {
			log.Debug(ctx, "turn completed",
				log.Int64("input_tokens", result.Usage.PromptTokens),
				log.Int64("output_tokens", result.Usage.CompletionTokens),
			)
		}

		return 0
	case codex.StopReasonAborted:
		fmt.Fprintln(os.Stderr, "pi: aborted")
		return 130
	default:
		fmt.Fprintln(os.Stderr, "pi:", result.ErrorMessage)
		return 1
	}
}
