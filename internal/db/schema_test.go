package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaDefinesLedgerTables(t *testing.T) {
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS checkout_attempts")
	assert.Contains(t, schemaSQL, "CREATE TABLE IF NOT EXISTS event_logs")
}

func TestApplySchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS checkout_attempts").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, ApplySchema(context.Background(), mock))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	require.Error(t, ApplySchema(context.Background(), mock))

	require.NoError(t, mock.ExpectationsWereMet())
}
