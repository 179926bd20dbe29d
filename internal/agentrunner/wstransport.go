package agentrunner

import (
	"context"
	"fmt"
	"io"

	"github.com/coder/websocket"
)

// runOverWS is the Config.Transport == "ws" counterpart to Run's subprocess
// path: it dials WSURL, flattens it into a plain byte stream with
// websocket.NetConn (so the existing newline-delimited wireMessage protocol
// works unchanged), and drives the same consume loop used for stdio. Used
// when the agent CLI runs as a long-lived service exposing a JSON-over-
// WebSocket stream rather than being spawned fresh per turn.
func (r *Runner) runOverWS(ctx context.Context, prompt string, onProgress OnProgress, onCompact OnCompact) (Result, error) {
	conn, err := dialWS(ctx, r.cfg.WSURL)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	r.stdin = conn
	r.running = true
	r.mu.Unlock()

	defer r.teardown()

	if err := writeLine(conn, wireMessage{Text: prompt}); err != nil {
		return Result{}, fmt.Errorf("agentrunner: send prompt over ws: %w", err)
	}

	var compactEvents []string
	result, err := r.consume(ctx, conn, onProgress, onCompact, &compactEvents)
	if err != nil {
		return result, err
	}

	retries := 0
	for result.Output == "" && !result.Success && len(compactEvents) > 0 && retries < r.cfg.MaxCompactRetries {
		retries++
		compactEvents = compactEvents[:0]
		retryCtx, cancel := context.WithTimeout(ctx, r.cfg.CompactRetryReadTimeout)
		result, err = r.consume(retryCtx, conn, onProgress, onCompact, &compactEvents)
		cancel()
		if err != nil {
			break
		}
	}

	return result, nil
}

// dialWS opens the websocket and returns it as a net.Conn-shaped byte
// stream via websocket.NetConn, rather than the raw message-framed
// *websocket.Conn, since writeLine/consume expect plain io.Writer/io.Reader.
func dialWS(ctx context.Context, url string) (io.ReadWriteCloser, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentrunner: dial ws transport: %w", err)
	}
	return websocket.NetConn(ctx, conn, websocket.MessageText), nil
}
