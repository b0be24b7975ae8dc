package tokens

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMintAndValidate(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	token, err := authority.Mint(runID, "extract", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, runID, token.RunID)
	assert.Equal(t, 1, token.Attempt)

	assert.NoError(t, authority.Validate(token))
}

func TestValidateUnknownToken(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	forged := domain.NewExecutionToken(runID, "extract", 1, time.Minute)
	assert.ErrorIs(t, authority.Validate(forged), domain.ErrTokenNotFound)
}

func TestValidateMismatchedAttempt(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	token, err := authority.Mint(runID, "extract", 1, time.Minute)
	require.NoError(t, err)

	tampered := token
	tampered.Attempt = 2
	assert.ErrorIs(t, authority.Validate(tampered), domain.ErrTokenMismatch)
}

func TestValidateExpiredToken(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	token, err := authority.Mint(runID, "extract", 1, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, authority.Validate(token), domain.ErrTokenExpired)
}

func TestConsumeIsSingleUse(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	token, err := authority.Mint(runID, "extract", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, authority.Consume(token))
	assert.ErrorIs(t, authority.Consume(token), domain.ErrTokenConsumed)
	assert.ErrorIs(t, authority.Validate(token), domain.ErrTokenConsumed)
}

func TestConcurrentConsumeOneWinner(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()

	token, err := authority.Mint(runID, "extract", 1, time.Minute)
	require.NoError(t, err)

	const racers = 8
	results := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = authority.Consume(token)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.True(t, domain.IsStaleToken(err), "losers must see a stale-token error, got %v", err)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestInvalidateRun(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	runID := domain.NewWorkflowRunID()
	otherRun := domain.NewWorkflowRunID()

	first, err := authority.Mint(runID, "extract", 1, time.Minute)
	require.NoError(t, err)
	second, err := authority.Mint(runID, "transform", 1, time.Minute)
	require.NoError(t, err)
	untouched, err := authority.Mint(otherRun, "extract", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, authority.InvalidateRun(runID))

	assert.ErrorIs(t, authority.Validate(first), domain.ErrTokenNotFound)
	assert.ErrorIs(t, authority.Validate(second), domain.ErrTokenNotFound)
	assert.NoError(t, authority.Validate(untouched), "other runs keep their tokens")
}

func TestInvalidateRunWithNoTokens(t *testing.T) {
	authority := NewAuthority(newTestDB(t), testLogger())
	assert.NoError(t, authority.InvalidateRun(domain.NewWorkflowRunID()))
}
