package main

import (
	"fmt"
	"os"

	commands "github.com/tileserved/tileserved/cmd/commands"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func printCommandsList() {
	fmt.Println("Commands:")
	fmt.Println("  serve")
	fmt.Println("  pack")
	fmt.Println("  unpack")
	fmt.Println("  archive")
}

func main() {
	if len(os.Args) < 2 {
		printCommandsList()
		return
	}
	cmd := os.Args[1]
	os.Args = os.Args[1:]

	switch cmd {
	case "serve":
		withLogger(commands.Serve)
	case "pack":
		withLogger(commands.Pack)
	case "unpack":
		withLogger(commands.Unpack)
	case "archive":
		withLogger(commands.Archive)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printCommandsList()
	}
}

func withLogger(command func(log *zap.SugaredLogger) error) {
	config := zap.NewProductionConfig()
	// config := zap.NewDevelopmentConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := command(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}
