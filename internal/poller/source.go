// source.go — 网关活跃会话列表的 HTTP 拉取实现。
package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/navihq/navi-desk/internal/engine"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
)

const fetchTimeout = 2 * time.Second

// HTTPSource 从网关的 sessions 端点拉取活跃会话。
type HTTPSource struct {
	url    string
	client *http.Client
}

// NewHTTPSource 创建 HTTP 拉取源。
func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		url:    url,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// ActiveSessions 实现 Source。
func (s *HTTPSource) ActiveSessions(ctx context.Context) ([]engine.ActiveSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Poller.ActiveSessions", "build request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Poller.ActiveSessions", "fetch sessions")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, pkgerr.Newf("Poller.ActiveSessions", "gateway sessions endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Sessions []engine.ActiveSession `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, pkgerr.Wrap(err, "Poller.ActiveSessions", "decode sessions")
	}
	return body.Sessions, nil
}
