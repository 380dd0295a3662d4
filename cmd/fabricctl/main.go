package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/fabricfw/cmd/fabricctl/commands"
)

func main() {
	// Structured text logs on stderr; stdout carries command output.
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	commands.Execute(&level)
}
