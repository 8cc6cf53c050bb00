package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

// PushSink posts the parcel count to a webhook that relays it as a push
// notification to field crews.
type PushSink struct {
	webhookURL string
	sender     string
	client     *http.Client
}

func NewPushSink(webhookURL, sender string, client *http.Client) *PushSink {
	return &PushSink{webhookURL: webhookURL, sender: sender, client: client}
}

func (s *PushSink) Name() string { return "push" }

func (s *PushSink) Send(ctx context.Context, event models.NotificationEvent) error {
	form := url.Values{}
	form.Set("propertiesAtRisk", strconv.Itoa(event.ParcelsAtRisk))
	form.Set("sender", s.sender)
	form.Set("appLink", event.DeepLink)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("error doing request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d - status: %s", resp.StatusCode, resp.Status)
	}
	return nil
}
