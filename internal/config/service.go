package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every service environment variable, e.g. DAQ_LISTEN.
const EnvPrefix = "DAQ"

// ServiceConfig holds process-level settings. Command-line flags override
// these after Load.
type ServiceConfig struct {
	Listen     string `envconfig:"LISTEN" default:":8080"`
	GRPCListen string `envconfig:"GRPC_LISTEN" default:":50051"`

	// SerialPort is the host link device; "" disables it and "mock" uses an
	// in-memory port.
	SerialPort string `envconfig:"SERIAL_PORT" default:""`
	BaudRate   int    `envconfig:"BAUD_RATE" default:"115200"`
	// SerialFraming is data bits, parity and stop bits, e.g. 8N1.
	SerialFraming string `envconfig:"SERIAL_FRAMING" default:"8N1"`

	DBPath    string `envconfig:"DB_PATH" default:"daq.db"`
	DisableDB bool   `envconfig:"DISABLE_DB" default:"false"`

	PipelineConfig string `envconfig:"PIPELINE_CONFIG" default:""`
	DevMode        bool   `envconfig:"DEV_MODE" default:"false"`
}

// LoadServiceConfig reads ServiceConfig from DAQ_* environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	var cfg ServiceConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load service config: %w", err)
	}
	return &cfg, nil
}
