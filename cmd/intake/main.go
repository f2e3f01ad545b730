package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("intake exited")
	}
}
