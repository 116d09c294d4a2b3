package httpsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// FetchStatus pulls the /status document from a running daemon.
func FetchStatus(ctx context.Context, addr string) (map[string]map[string]any, error) {
	client := resty.New()
	client.SetRetryCount(0)
	client.SetTimeout(5 * time.Second)

	resp, err := client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("status endpoint returned %s", resp.Status())
	}
	status := make(map[string]map[string]any)
	if err := json.Unmarshal(resp.Body(), &status); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return status, nil
}
