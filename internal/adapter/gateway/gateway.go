package gateway

import (
	"deposit-hold-service/config"
	"deposit-hold-service/internal/core/ports"

	"github.com/rs/zerolog"
)

// New builds the configured gateway client with in-call retries on top.
func New(cfg config.GatewayConfig, log zerolog.Logger) ports.PaymentGateway {
	log = log.With().Str("component", "gateway").Str("gateway_mode", cfg.Mode).Logger()

	var inner ports.PaymentGateway
	switch cfg.Mode {
	case "http":
		inner = NewHTTPClient(cfg)
	default:
		log.Warn().Msg("using sandbox payment gateway")
		inner = NewSandbox()
	}
	return NewRetryingGateway(inner, cfg.MaxInCallRetries, log)
}
