package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// slackProvider posts a Slack incoming-webhook payload. It is a thin
// specialization of the http-push transport: same outbound validation,
// same no-redirect client, different body shape.
type slackProvider struct{}

func (slackProvider) Send(ctx context.Context, cfg map[string]interface{}, payload Payload) error {
	webhookURL, _ := cfg["webhook_url"].(string)
	if webhookURL == "" {
		return errors.New("webhook-slack config missing webhook_url")
	}
	if err := validateOutboundURL(webhookURL); err != nil {
		return fmt.Errorf("reject outbound url: %w", err)
	}

	emoji := ":information_source:"
	if payload.Priority == PriorityHigh {
		emoji = ":rotating_light:"
	}

	body, err := json.Marshal(map[string]interface{}{
		"text": fmt.Sprintf("%s *%s*", emoji, payload.Title),
		"blocks": []map[string]interface{}{
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("%s *%s*\n```%s```", emoji, payload.Title, payload.Body),
				},
			},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
