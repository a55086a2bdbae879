package errors

import (
	"database/sql"
	stderrors "errors"
	"io"

	"github.com/rs/zerolog"
)

// DeferClose closes closer on an error or defer path where the close error
// has no caller to return to; a failure is logged at warn level with msg.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRollback rolls back tx unless it already committed.
func DeferRollback(logger zerolog.Logger, tx *sql.Tx) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil && !stderrors.Is(err, sql.ErrTxDone) {
		logger.Warn().Err(err).Msg("Transaction rollback failed")
	}
}
