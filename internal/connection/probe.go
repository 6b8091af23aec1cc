package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// probe checks the server's HTTP liveness endpoint before a dial is
// attempted, retrying with a linearly growing pause.
func (m *Manager) probe(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ProbeAttempts; attempt++ {
		lastErr = m.pingHTTP(ctx)
		if lastErr == nil {
			return nil
		}
		m.logger.Debug("liveness probe failed", "attempt", attempt, "error", lastErr)

		if attempt == m.cfg.ProbeAttempts {
			break
		}
		timer := time.NewTimer(m.cfg.ProbeBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("liveness probe failed after %d attempts: %w", m.cfg.ProbeAttempts, lastErr)
}

func (m *Manager) pingHTTP(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/ping?_nocache=%d", m.cfg.HTTPBase, time.Now().UnixMilli())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ping returned %d", resp.StatusCode)
	}
	return nil
}
