package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/tunnelkeeper/internal/history"
)

// datePlaceholder in an index name is replaced by the event's UTC day, so
// "tunnelkeeper-{date}" rolls over to a new index daily.
const datePlaceholder = "{date}"

// Sink indexes each event as one document at baseURL/<index>/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
	host    string
}

func New(baseURL, index string) *Sink {
	host, _ := os.Hostname()
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		host:    host,
	}
}

type document struct {
	history.Event
	Timestamp time.Time `json:"@timestamp"`
	Host      string    `json:"host,omitempty"`
}

func (s *Sink) indexFor(t time.Time) string {
	return strings.ReplaceAll(s.index, datePlaceholder, t.UTC().Format("2006.01.02"))
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(document{Event: e, Timestamp: e.OccurredAt, Host: s.host})
	if err != nil {
		return err
	}
	u := s.baseURL + "/" + s.indexFor(e.OccurredAt) + "/_doc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if len(msg) > 0 {
			return fmt.Errorf("opensearch sink status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
