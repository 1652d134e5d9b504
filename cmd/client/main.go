package main

import (
	"flag"
	"fmt"
	"os"

	"campuschat/internal/app"
)

func main() {
	cfgFile := flag.String("config", "campuschat", "config file name without extension")
	serverURL := flag.String("server", "", "server URL (overrides config)")
	logFile := flag.String("log-file", "", "write client logs to this file (overrides config)")
	flag.Parse()

	logger := app.NewLogger("error", os.Stderr)
	cfg, err := app.Load(logger, *cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *logFile != "" {
		cfg.Client.LogFile = *logFile
	}

	if err := app.RunClient(cfg.Client); err != nil {
		fmt.Fprintf(os.Stderr, "campuschat: %v\n", err)
		os.Exit(1)
	}
}
