package bootstrap

import (
	"testing"

	"go.uber.org/fx"
)

func TestRecorderGraph(t *testing.T) {
	cfg := configFromEnv()
	cfg.DatabaseDSN = ":memory:"

	err := fx.ValidateApp(
		baseOptions(cfg, "127.0.0.1:0"),
		InfrastructureModule,
		QueueModule,
		RecorderModule,
		ServerModule,
		HandlersModule,
		HealthModule,
	)
	if err != nil {
		t.Fatalf("recorder graph invalid: %v", err)
	}
}

func TestRelayGraph(t *testing.T) {
	err := fx.ValidateApp(
		baseOptions(configFromEnv(), "127.0.0.1:0"),
		RelayInfrastructureModule,
		RelayModule,
		ServerModule,
		RelayHealthModule,
	)
	if err != nil {
		t.Fatalf("relay graph invalid: %v", err)
	}
}
