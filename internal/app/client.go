package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	intrnl "campuschat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	wsURL, err := websocketURL(cfg.ServerURL, NormalizeWSPath(cfg.WSPath))
	if err != nil {
		return err
	}

	// the TUI owns the terminal, so client logs go to a file or nowhere
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger = NewLogger(cfg.LogLevel, f)
	}

	httpURL, err := intrnl.HTTPBaseFromWSURL(wsURL)
	if err != nil {
		return err
	}
	return intrnl.RunClient(httpURL, wsURL, logger)
}

func websocketURL(serverURL, wsPath string) (string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme: %s", parsed.Scheme)
	}
	parsed.Path = wsPath
	parsed.RawQuery = ""
	return parsed.String(), nil
}
