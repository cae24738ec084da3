package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/jimm9Tran/UDPT-sub001/pkg/utils"
)

type Config struct {
	Env      string   `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTP     `yaml:"http"`
	Postgres PG       `yaml:"postgres"`
	Kafka    Kafka    `yaml:"kafka"`
	Redis    Redis    `yaml:"redis"`
	Services Services `yaml:"services"`
	Gateway  Gateway  `yaml:"gateway"`
	Checkout Checkout `yaml:"checkout"`
	Limiter  Limiter  `yaml:"limiter"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type PG struct {
	URL string `yaml:"url" env:"DB_URL"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID"`
}

type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
}

type Services struct {
	CatalogURL string `yaml:"catalog_url" env:"CATALOG_URL" env-default:"http://localhost:3001"`
}

// Gateway holds the payment-gateway signing material and endpoints.
type Gateway struct {
	Secret    string `yaml:"secret" env:"GATEWAY_SECRET"`
	PayURL    string `yaml:"pay_url" env:"GATEWAY_PAY_URL" env-default:"https://sandbox.gateway.local/pay"`
	ReturnURL string `yaml:"return_url" env:"GATEWAY_RETURN_URL" env-default:"http://localhost:3003/payments/gateway/callback"`
}

// Checkout carries the expiry windows shared by reservations and orders.
type Checkout struct {
	ReservationTTL time.Duration `yaml:"reservation_ttl" env:"RESERVATION_TTL" env-default:"30m"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" env-default:"5m"`
}

type Limiter struct {
	Max        int           `yaml:"max" env-default:"20"`
	Expiration time.Duration `yaml:"expiration" env-default:"5s"`
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exists: %v\n", err)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	return &cfg
}
