package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"licensegate/internal/app"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
)

func main() {
	application, err := app.NewApplication()
	if err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if errors.Is(err, license.ErrConfig) {
			attrs = append(attrs, slog.String("hint", "set LICENSE_ISSUER_PRIVATE_KEY or run licensectl keygen"))
		}
		slog.Error("Failed to initialize application", attrs...)
		os.Exit(1)
	}

	err = application.Run(context.Background())
	_ = infrastructure.CloseLogFile()
	if err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
