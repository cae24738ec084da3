package testsuite

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Infra is the base for integration suites. It boots throwaway postgres and
// kafka containers, applies the service's migrations, and hands the tests a
// ready pool plus broker addresses.
type Infra struct {
	suite.Suite

	Ctx     context.Context
	Pool    *pgxpool.Pool
	Brokers []string

	pg     *postgres.PostgresContainer
	broker *kafka.KafkaContainer
}

// StartInfra starts both containers and migrates the schema found at
// migrationsDir (relative to the suite's package).
func (s *Infra) StartInfra(migrationsDir string) {
	s.Ctx = context.Background()

	pg, err := postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("shop_test"),
		postgres.WithUsername("shop"),
		postgres.WithPassword("shop"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(10*time.Second),
		),
	)
	s.Require().NoError(err, "postgres container")
	s.pg = pg

	broker, err := kafka.Run(s.Ctx, "confluentinc/cp-kafka:7.5.0", kafka.WithClusterID("test-cluster"))
	s.Require().NoError(err, "kafka container")
	s.broker = broker

	s.Brokers, err = broker.Brokers(s.Ctx)
	s.Require().NoError(err)

	dsn, err := pg.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.migrate(migrationsDir, dsn)

	s.Pool, err = pgxpool.New(s.Ctx, dsn)
	s.Require().NoError(err)
}

func (s *Infra) migrate(dir, dsn string) {
	abs, err := filepath.Abs(dir)
	s.Require().NoError(err)

	m, err := migrate.New("file://"+abs, dsn)
	s.Require().NoError(err)
	s.Require().NoError(m.Up())

	srcErr, dbErr := m.Close()
	s.Require().NoError(srcErr)
	s.Require().NoError(dbErr)
}

// StopInfra tears the containers down. Failures are logged, not fatal, so a
// half-started suite still cleans up what it can.
func (s *Infra) StopInfra() {
	if s.Pool != nil {
		s.Pool.Close()
	}
	for _, c := range []testcontainers.Container{s.pg, s.broker} {
		if c == nil {
			continue
		}
		if err := c.Terminate(s.Ctx); err != nil {
			log.Printf("failed to terminate container: %v", err)
		}
	}
}

// ResetTables truncates the named tables between tests.
func (s *Infra) ResetTables(tables ...string) {
	_, err := s.Pool.Exec(s.Ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	s.Require().NoError(err)
}
