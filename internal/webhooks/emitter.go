package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"semaphore/internal/config"
	"semaphore/pkg/logging"
)

// Emitter delivers server events to registered HTTP endpoints. Delivery is
// best-effort and fully asynchronous; failures never reach the caller.
type Emitter struct {
	cfg    config.WebhookConfig
	client *http.Client
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEmitter(cfg config.WebhookConfig, logger logging.Logger) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Emitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

type webhookBody struct {
	Event     string      `json:"event"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Signature string      `json:"signature,omitempty"`
}

// Emit dispatches the event to every matching endpoint in the background.
func (e *Emitter) Emit(event string, data interface{}) {
	if !e.cfg.Enabled {
		return
	}
	for _, endpoint := range e.cfg.Endpoints {
		if !matches(endpoint.Events, event) {
			continue
		}
		endpoint := endpoint
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deliver(endpoint, event, data)
		}()
	}
}

// Shutdown stops new retries and waits for in-flight deliveries, bounded
// by ctx.
func (e *Emitter) Shutdown(ctx context.Context) {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Emitter) deliver(endpoint config.WebhookEndpoint, event string, data interface{}) {
	body, err := e.buildBody(event, data)
	if err != nil {
		e.logger.WithError(err).WithField("url", endpoint.URL).Error("Failed to encode webhook body")
		return
	}

	method := endpoint.Method
	if method == "" {
		method = http.MethodPost
	}

	_, err = failsafe.With(e.retryPolicy(endpoint.URL, event)).WithContext(e.ctx).Get(func() (any, error) {
		return nil, e.attempt(method, endpoint, body)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.WithError(err).WithFields(logging.Fields{"url": endpoint.URL, "event": event}).Warn("Webhook delivery failed")
	}
}

// retryPolicy retries transient failures with linear-ish backoff; 4xx
// responses are final.
func (e *Emitter) retryPolicy(url, event string) retrypolicy.RetryPolicy[any] {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	builder := retrypolicy.NewBuilder[any]().
		WithMaxRetries(attempts - 1).
		HandleIf(func(_ any, err error) bool {
			return retryable(err)
		}).
		OnRetry(func(ev failsafe.ExecutionEvent[any]) {
			e.logger.WithError(ev.LastError()).WithFields(logging.Fields{
				"url":     url,
				"event":   event,
				"attempt": ev.Attempts(),
			}).Debug("Retrying webhook delivery")
		})
	if e.cfg.RetryDelay > 0 {
		builder = builder.WithBackoff(e.cfg.RetryDelay, e.cfg.RetryDelay*time.Duration(attempts)).WithJitterFactor(0.1)
	}
	return builder.Build()
}

func (e *Emitter) buildBody(event string, data interface{}) ([]byte, error) {
	body := webhookBody{
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
	if e.cfg.Secret != "" {
		unsigned, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(sha256.New, []byte(e.cfg.Secret))
		mac.Write(unsigned)
		body.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return json.Marshal(body)
}

func (e *Emitter) attempt(method string, endpoint config.WebhookEndpoint, body []byte) error {
	req, err := http.NewRequestWithContext(e.ctx, method, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range endpoint.Headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &statusError{code: resp.StatusCode}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook endpoint returned status %d", e.code)
}

// retryable treats network errors and 5xx as transient; 4xx is final.
func retryable(err error) bool {
	if statusErr, ok := err.(*statusError); ok {
		return statusErr.code >= 500
	}
	return true
}

func matches(events []string, event string) bool {
	if len(events) == 0 {
		return true
	}
	for _, candidate := range events {
		if candidate == "*" || candidate == event {
			return true
		}
	}
	return false
}
