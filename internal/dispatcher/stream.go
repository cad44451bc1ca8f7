// Copyright 2025 James Ross
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jamesross/ollama-job-queue/internal/backendmetrics"
)

// StreamChat is the streaming variant used by synchronous, not-through-the-
// queue callers: it forwards requestBody to origin with stream=true, copies
// each NDJSON line to w as it arrives, and on the terminal `"done":true` line
// records tokens/s the same way the non-streaming path does. Only lines that
// contain `"done":true` (whitespace ignored) are JSON-parsed. The active-job
// counter decrement is guaranteed on every return path (stream close, client
// disconnect, backend error); latency is recorded only for a stream that is
// read through to its end.
func (d *Dispatcher) StreamChat(ctx context.Context, origin string, requestBody []byte, w io.Writer) error {
	origin = backendmetrics.CanonicalOrigin(origin)

	d.metrics.IncrementActive(origin, 1)
	var decremented int32
	decrementOnce := func() {
		if atomic.CompareAndSwapInt32(&decremented, 0, 1) {
			d.metrics.IncrementActive(origin, -1)
		}
	}
	defer decrementOnce()

	body, err := withStreamFlag(requestBody, true)
	if err != nil {
		return fmt.Errorf("build streaming request body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.LoadBalancer.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.postChat(reqCtx, origin, body)
	if err != nil {
		d.recordBreaker(origin, false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.recordBreaker(origin, false)
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(payload))
	}

	flusher, _ := w.(http.Flusher)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			d.recordBreaker(origin, false)
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := w.Write(append(append([]byte{}, line...), '\n')); err != nil {
			d.recordBreaker(origin, false)
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}

		if !bytes.Contains(bytes.Join(bytes.Fields(line), nil), []byte(`"done":true`)) {
			continue
		}
		var meta chatResponseMeta
		if json.Unmarshal(line, &meta) == nil && meta.Done && meta.EvalDuration > 0 {
			d.metrics.RecordTokensPerSecond(origin, meta.EvalCount, meta.EvalDuration)
		}
	}
	if err := scanner.Err(); err != nil {
		d.recordBreaker(origin, false)
		return err
	}

	d.metrics.RecordLatency(origin, float64(time.Since(start).Milliseconds()))
	d.recordBreaker(origin, true)
	return nil
}
