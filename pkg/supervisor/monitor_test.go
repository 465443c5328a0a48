package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestartMinuteParsing(t *testing.T) {
	tests := []struct {
		expr   string
		minute int
		ok     bool
	}{
		{"10 */2 * * *", 10, true},
		{"45 */2 * * *", 45, true},
		{"0 */2 * * *", 0, true},
		{"", 0, false},
		{"sixty */2 * * *", 0, false},
		{"75 */2 * * *", 0, false},
	}
	for _, tt := range tests {
		minute, ok := restartMinute(tt.expr)
		require.Equal(t, tt.ok, ok, tt.expr)
		if ok {
			require.Equal(t, tt.minute, minute, tt.expr)
		}
	}
}

func TestScheduleNextRestartLandsOnNextEvenHour(t *testing.T) {
	p := &process{spec: Spec{RestartCron: "10 */2 * * *"}}

	after := time.Date(2026, 8, 2, 13, 30, 0, 0, time.UTC)
	p.scheduleNextRestart(after)
	require.Equal(t, time.Date(2026, 8, 2, 14, 10, 0, 0, time.UTC), p.nextPeriodicRestart)

	// Already past this even hour's minute: the next slot is two hours on.
	after = time.Date(2026, 8, 2, 14, 15, 0, 0, time.UTC)
	p.scheduleNextRestart(after)
	require.Equal(t, time.Date(2026, 8, 2, 16, 10, 0, 0, time.UTC), p.nextPeriodicRestart)
}

func TestScheduleNextRestartSkipsStateful(t *testing.T) {
	p := &process{spec: Spec{RestartCron: "10 */2 * * *", Stateful: true}}
	p.scheduleNextRestart(time.Now())
	require.True(t, p.nextPeriodicRestart.IsZero())

	p = &process{spec: Spec{}}
	p.scheduleNextRestart(time.Now())
	require.True(t, p.nextPeriodicRestart.IsZero())
}
