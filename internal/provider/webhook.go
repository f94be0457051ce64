package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"conversion-relay/internal/models"
)

// Webhook posts conversions to a provider's HTTP import endpoint, one JSON
// document per job, carrying the idempotency key both in the body and in an
// Idempotency-Key header. Credentials come from the CredentialStore as a
// bearer token blob.
type Webhook struct {
	endpoint   string
	creds      CredentialStore
	httpClient *http.Client
}

func NewWebhook(endpoint string, creds CredentialStore) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		creds:    creds,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type webhookBody struct {
	ExternalRef string            `json:"external_ref"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	ClickIDs    map[string]string `json:"click_ids,omitempty"`
	Payload     map[string]any    `json:"payload,omitempty"`
}

func (w *Webhook) Upload(ctx context.Context, row models.QueueRow, idempotencyKey string) (Result, error) {
	token, err := w.creds.GetCredentials(ctx, row.SiteID, row.ProviderKey)
	if err != nil {
		return Retryable(models.CategoryAuth, "CREDENTIALS_UNAVAILABLE", err.Error()), nil
	}

	body, err := json.Marshal(webhookBody{
		ExternalRef: idempotencyKey,
		OccurredAt:  row.OccurredAt.UTC(),
		Amount:      row.Amount,
		Currency:    row.Currency,
		ClickIDs:    row.ClickIDs,
		Payload:     row.Payload,
	})
	if err != nil {
		return Permanent(models.CategoryValidation, "BODY_MARSHAL", err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return Permanent(models.CategoryValidation, "BAD_ENDPOINT", err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set("Authorization", "Bearer "+string(token))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Retryable(models.CategoryTransient, "TRANSPORT", err.Error()), nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	return classifyHTTP(resp.StatusCode, string(snippet)), nil
}

// classifyHTTP maps a provider HTTP status onto the error taxonomy.
func classifyHTTP(status int, detail string) Result {
	switch {
	case status >= 200 && status < 300:
		return Success()
	case status == http.StatusConflict:
		// The provider has seen this external ref before.
		return Permanent(models.CategoryDeterministicSkip, "DUPLICATE", detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Retryable(models.CategoryAuth, httpCode(status), detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return Retryable(models.CategoryTransient, httpCode(status), detail)
	case status >= 400:
		return Permanent(models.CategoryValidation, httpCode(status), detail)
	default:
		return Retryable(models.CategoryTransient, httpCode(status), detail)
	}
}

func httpCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}
