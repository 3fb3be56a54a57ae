package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCron_RejectsBadExpression(t *testing.T) {
	s := New()
	err := s.ScheduleCron("bad", "not a cron", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
	assert.Empty(t, s.Tags())
}

func TestScheduleCron_Tags(t *testing.T) {
	s := New()
	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.ScheduleCron("sweep-stuck", "*/10 * * * *", noop))
	require.NoError(t, s.ScheduleCron("orphan-report", "0 3 * * *", noop))

	assert.ElementsMatch(t, []string{"sweep-stuck", "orphan-report"}, s.Tags())
}
