package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// VendorError is a non-zero status frame from the xunfei service.
type VendorError struct {
	Code    int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("xunfei: code %d: %s", e.Code, e.Message)
}

// exchange dials the signed endpoint and runs one request/response
// conversation. Each utterance gets its own connection; the socket is closed
// when the final frame arrives, the context ends, or the deadline passes.
func exchange(ctx context.Context, endpoint string, timeout time.Duration, run func(conn *websocket.Conn) error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	if err := run(conn); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("exchange cancelled: %w", ctx.Err())
		}
		return err
	}
	return nil
}
