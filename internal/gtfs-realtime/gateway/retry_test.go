package gateway

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRetryGroup(t *testing.T) {
	// A concurrent writer inserted the trip stop between our read and insert.
	lostRace := fmt.Errorf("trip_stop t1/L01: inserting trip stop: %w", &pq.Error{Code: "23505"})
	assert.True(t, retryGroup(lostRace))
	assert.True(t, retryGroup(&pgconn.PgError{Code: "40001"}))

	assert.False(t, retryGroup(&pgconn.PgError{Code: "23503"}), "a missing parent row does not appear on retry")
	assert.False(t, retryGroup(fmt.Errorf("plain")))
}
