package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftlabs/faucet/pkg/logger"
)

func TestFaucet_Supervisor_NextDelay(t *testing.T) {
	t.Parallel()

	const (
		healthy = time.Minute
		floor   = time.Second
		ceiling = 10 * time.Minute
	)

	t.Run("fast failures escalate monotonically up to the ceiling", func(t *testing.T) {
		t.Parallel()
		delay := floor
		var prev time.Duration
		for i := 0; i < 20; i++ {
			delay = nextDelay(delay, 100*time.Millisecond, healthy, floor, ceiling)
			require.GreaterOrEqual(t, delay, prev, "delay is non-decreasing")
			require.LessOrEqual(t, delay, ceiling, "delay never exceeds the ceiling")
			prev = delay
		}
		require.Equal(t, ceiling, delay)
	})

	t.Run("doubles from the floor", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, 2*time.Second, nextDelay(floor, time.Second, healthy, floor, ceiling))
		require.Equal(t, 4*time.Second, nextDelay(2*time.Second, time.Second, healthy, floor, ceiling))
	})

	t.Run("healthy run resets to the floor", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, floor, nextDelay(8*time.Minute, healthy, healthy, floor, ceiling))
		require.Equal(t, floor, nextDelay(ceiling, 2*time.Hour, healthy, floor, ceiling))
	})

	t.Run("boundary: exactly the threshold counts as healthy", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, floor, nextDelay(time.Minute, healthy, healthy, floor, ceiling))
	})
}

func TestFaucet_Supervisor_Config_Validate(t *testing.T) {
	t.Parallel()

	t.Run("requires logger and name", func(t *testing.T) {
		t.Parallel()
		_, err := NewSupervisor(SupervisorConfig{Name: "worker"})
		require.Error(t, err)
		_, err = NewSupervisor(SupervisorConfig{Logger: logger.NewTest()})
		require.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		t.Parallel()
		cfg := SupervisorConfig{Logger: logger.NewTest(), Name: "worker"}
		require.NoError(t, cfg.Validate())
		require.Equal(t, defaultHealthyThreshold, cfg.HealthyThreshold)
		require.Equal(t, defaultBackoffFloor, cfg.BackoffFloor)
		require.Equal(t, defaultBackoffCeiling, cfg.BackoffCeiling)
		require.NotNil(t, cfg.Clock)
		require.NotNil(t, cfg.Notifier)
	})
}

func TestFaucet_Supervisor_Run_RestartsUntilFatal(t *testing.T) {
	t.Parallel()

	var reported []error
	sup, err := NewSupervisor(SupervisorConfig{
		Logger:           logger.NewTest(),
		Name:             "worker",
		HealthyThreshold: time.Hour,
		BackoffFloor:     time.Millisecond,
		BackoffCeiling:   4 * time.Millisecond,
		ReportError:      func(err error) { reported = append(reported, err) },
	})
	require.NoError(t, err)

	runs := 0
	fatal := fmt.Errorf("%w: disk full", ErrFatal)
	err = sup.Run(context.Background(), func(ctx context.Context) error {
		runs++
		if runs < 4 {
			return errors.New("rpc unreachable")
		}
		return fatal
	})

	require.ErrorIs(t, err, ErrFatal)
	require.Equal(t, 4, runs, "three transient crashes restarted, fatal one not")
	require.Len(t, reported, 3, "only transient crashes are reported")
}

func TestFaucet_Supervisor_Run_NilReturnStops(t *testing.T) {
	t.Parallel()

	sup, err := NewSupervisor(SupervisorConfig{Logger: logger.NewTest(), Name: "worker"})
	require.NoError(t, err)

	runs := 0
	err = sup.Run(context.Background(), func(ctx context.Context) error {
		runs++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, runs)
}

func TestFaucet_Supervisor_Run_ContextCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	sup, err := NewSupervisor(SupervisorConfig{
		Logger:           logger.NewTest(),
		Name:             "worker",
		HealthyThreshold: time.Hour,
		BackoffFloor:     time.Hour,
		BackoffCeiling:   time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	runs := 0
	err = sup.Run(ctx, func(ctx context.Context) error {
		runs++
		return errors.New("rpc unreachable")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, runs)
}

func TestFaucet_Supervisor_Run_ContextCancelInsideLoop(t *testing.T) {
	t.Parallel()

	sup, err := NewSupervisor(SupervisorConfig{Logger: logger.NewTest(), Name: "worker"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = sup.Run(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
}
