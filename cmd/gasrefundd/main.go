package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	app = &cli.App{
		Name:  "gasrefundd",
		Usage: "computes and serves per-epoch gas refund entitlements",
		Commands: []*cli.Command{
			runCommand,
			serveCommand,
		},
		Flags: []cli.Flag{
			verbosityFlag,
			logFileFlag,
		},
		Before: setupLogging,
	}

	// General settings
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs as JSON to a rotating file instead of the terminal",
		Value: "",
	}
)

func setupLogging(ctx *cli.Context) error {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))

	output := os.Stderr
	useColor := isatty.IsTerminal(output.Fd()) || isatty.IsCygwinTerminal(output.Fd())
	handler := log.NewTerminalHandlerWithLevel(colorable.NewColorable(output), level, useColor)
	log.SetDefault(log.NewLogger(handler))

	if file := ctx.String(logFileFlag.Name); file != "" {
		rotating := &lumberjack.Logger{Filename: file, MaxSize: 100, MaxBackups: 10, Compress: true}
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(rotating, level)))
	}
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
