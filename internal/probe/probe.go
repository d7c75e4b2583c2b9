// Package probe checks whether the gateway process is reachable and holds an
// authenticated brokerage session.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

type Status int

const (
	Unreachable Status = iota
	Unauthenticated
	Authenticated
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return "unreachable"
	}
}

type Result struct {
	Status    Status
	Competing bool
	Connected bool
	CheckedAt time.Time
	Err       error
}

// Prober is implemented by the HTTP prober and the simulation backend.
type Prober interface {
	Probe(ctx context.Context) Result
}

// HTTPProber polls GET {base}/auth/status.
type HTTPProber struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func New(baseURL string, client *http.Client, timeout time.Duration) *HTTPProber {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		url:     strings.TrimRight(baseURL, "/") + "/auth/status",
		client:  client,
		timeout: timeout,
	}
}

type authStatus struct {
	Authenticated bool  `json:"authenticated"`
	Competing     bool  `json:"competing"`
	Connected     *bool `json:"connected"`
}

// Probe never returns an error value on its own; the outcome is in Result.
// Any HTTP answer means the process is up. Only a well-formed body with
// authenticated=true (and not explicitly disconnected) counts as a session.
func (p *HTTPProber) Probe(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res := Result{Status: Unreachable, CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		res.Err = err
		return res
	}
	resp, err := p.client.Do(req)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	res.Status = Unauthenticated
	if resp.StatusCode != http.StatusOK {
		return res
	}

	var body authStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		res.Err = err
		return res
	}
	res.Competing = body.Competing
	res.Connected = body.Connected == nil || *body.Connected
	if body.Authenticated && res.Connected {
		res.Status = Authenticated
	}
	return res
}
