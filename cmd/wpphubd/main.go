package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/matheus3301/wpphub/internal/daemon"
	"github.com/matheus3301/wpphub/internal/paths"
)

func main() {
	dataDir := flag.String("data-dir", os.Getenv("WPPHUB_DATA_DIR"), "data directory (default ~/.wpphub)")
	configPath := flag.String("config", "", "config file (default <data-dir>/config.toml)")
	addr := flag.String("addr", "", "listen address (overrides api.addr)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the data-dir one")
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "error: load %s: %v\n", *envFile, err)
		os.Exit(1)
	}
	if *dataDir == "" {
		*dataDir = os.Getenv("WPPHUB_DATA_DIR")
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			DataDir:    paths.New(*dataDir).Root,
			ConfigPath: *configPath,
			Addr:       *addr,
		}),
	)

	app.Run()
}
