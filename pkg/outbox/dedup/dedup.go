// Package dedup suppresses duplicate event deliveries: the event id is
// inserted into processed_events in a transaction that commits only after
// the handler succeeded. Handlers write through their own repositories in
// separate transactions, so the marker is a best-effort filter, not an
// atomic receipt. A crash between the handler's writes and the marker
// commit redelivers the event; every consumer effect must therefore
// tolerate a replay (version guards, status checks, the catalog's
// committed-reservation ledger).
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jimm9Tran/UDPT-sub001/pkg/ctxlog"
)

const uniqueViolation = "23505"

func Process(
	ctx context.Context,
	pool *pgxpool.Pool,
	logger *zap.Logger,
	eventID uuid.UUID,
	action func() error,
) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx := context.WithoutCancel(ctx)

		err = tx.Rollback(shutdownCtx)
		if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			ctxlog.Error(shutdownCtx, logger, "Error rolling back dedup transaction", zap.Error(err))
		}
	}()

	query := `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
	`

	_, err = tx.Exec(ctx, query, eventID)
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) && pgError.Code == uniqueViolation {
			ctxlog.Info(
				ctx,
				logger,
				"Event already processed, skipping",
				zap.String("event_id", eventID.String()),
			)

			return nil
		}

		return err
	}

	if err := action(); err != nil {
		return fmt.Errorf("handler failed, event left unmarked: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit dedup transaction: %w", err)
	}

	return nil
}
