//go:build wireinject

package app

import (
	"log/slog"

	"github.com/google/wire"

	"github.com/sandeepkv93/execgate/internal/clock"
	"github.com/sandeepkv93/execgate/internal/config"
	"github.com/sandeepkv93/execgate/internal/http/handler"
)

func initializeAdmissionHandler(cfg *config.Config, stores *Stores, logger *slog.Logger, ts clock.TimeSource) (*handler.AdmissionHandler, error) {
	wire.Build(AdmissionSet)
	return nil, nil
}
