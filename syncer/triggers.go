package syncer

import (
	"context"
	"time"

	"fieldsync/models"
)

// Start wires the automatic triggers: connectivity restored (debounced),
// a periodic timer while online, and the explicit Foreground/AfterSubmit calls.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.unsub = e.conn.Subscribe(e.onConnectivity)
	runCtx := e.ctx
	e.mu.Unlock()

	e.wg.Add(1)
	go e.periodic(runCtx)

	e.log.Info().
		Dur("interval", e.cfg.Interval).
		Int("max_attempts", e.cfg.MaxAttempts).
		Msg("sync engine started")

	if e.conn.Online() {
		e.requestSweep(TriggerForeground)
	}
}

// Close stops the triggers and waits for an in-flight sweep.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// Foreground is called when the application returns to the foreground.
func (e *Engine) Foreground() {
	e.requestSweep(TriggerForeground)
}

// AfterSubmit is called after a record was durably saved while online.
func (e *Engine) AfterSubmit() {
	e.requestSweep(TriggerSubmit)
}

// Trigger starts an asynchronous sweep tagged with trigger.
func (e *Engine) Trigger(trigger string) {
	e.requestSweep(trigger)
}

func (e *Engine) onConnectivity(evt models.ConnectivityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	if !evt.Online || e.ctx == nil || e.ctx.Err() != nil {
		return
	}
	e.debounce = time.AfterFunc(e.cfg.Debounce, func() {
		e.requestSweep(TriggerConnectivity)
	})
}

func (e *Engine) periodic(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.conn.Online() {
				e.requestSweep(TriggerPeriodic)
			}
		}
	}
}

// requestSweep runs a sweep in the background. It never blocks the caller.
func (e *Engine) requestSweep(trigger string) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Sweep(ctx, trigger); !isQuiet(err) {
			e.log.Warn().Err(err).Str("trigger", trigger).Msg("background sweep failed")
		}
	}()
}
