package main

import (
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
)

// setupLogger builds the process logger on a charmbracelet/log handler.
// Unknown levels fall back to info and unknown formats to text.
func setupLogger(w io.Writer) *slog.Logger {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		level = log.InfoLevel
	}

	formatter := log.TextFormatter
	switch logFormat {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
	})
	return slog.New(handler)
}
