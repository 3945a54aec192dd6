package chatlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// forward posts record on a goroutine detached from the handler context.
func (m *Module) forward(ctx context.Context, record Record) {
	body, err := json.Marshal(record)
	if err != nil {
		m.logger.ErrorContext(ctx, "chatlog encode record failed", "error", err)
		return
	}

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RequestTimeout)
		defer cancel()

		status, err := m.post(postCtx, body)
		if err != nil {
			m.logger.WarnContext(postCtx, "chatlog forward failed",
				"log_server", m.cfg.LogServer,
				"channel", record.Channel,
				"error", err,
			)
			return
		}
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			m.logger.WarnContext(postCtx, "chatlog forward rejected",
				"log_server", m.cfg.LogServer,
				"channel", record.Channel,
				"status", status,
			)
			return
		}
		m.logger.DebugContext(postCtx, "chatlog forwarded",
			"channel", record.Channel,
			"message_type", record.MessageType,
			"status", status,
		)
	}()
}

// post sends one JSON body and returns the response status code.
func (m *Module) post(ctx context.Context, body []byte) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.LogServer, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("post: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	return response.StatusCode, nil
}
