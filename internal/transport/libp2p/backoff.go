package libp2p

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// NextBackoffDelay returns the redial delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// ConnectBootstrap dials every configured bootstrap address concurrently,
// retrying each with backoff. It returns the joined errors of the addresses
// that never connected.
func (t *Transport) ConnectBootstrap(ctx context.Context) error {
	if len(t.cfg.Bootstrap) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, addr := range t.cfg.Bootstrap {
		i, addr := i, addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
			if err := t.dialWithBackoff(ctx, addr, rng); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (t *Transport) dialWithBackoff(ctx context.Context, addr string, rng *rand.Rand) error {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.Backoff.MaxAttempts; attempt++ {
		id, err := t.Connect(ctx, addr)
		if err == nil {
			t.log.Info().Str("remote", id).Int("attempt", attempt).Msg("bootstrap peer connected")
			return nil
		}
		if errors.Is(err, ErrInvalidPeer) {
			return err
		}
		lastErr = err
		delay := NextBackoffDelay(t.cfg.Backoff, attempt, rng)
		t.log.Debug().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Msg("bootstrap dial failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-t.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
	return fmt.Errorf("libp2p: bootstrap %s: %w", addr, lastErr)
}
