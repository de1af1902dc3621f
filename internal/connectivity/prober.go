package connectivity

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const probeTimeout = 5 * time.Second

// HTTPProber classifies connectivity by timing a health-check round trip
// against the sync server. The round-trip time stands in for link quality the
// way a browser's connection hints would.
type HTTPProber struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPProber builds a prober against the server's health endpoint.
func NewHTTPProber(serverURL string, httpClient *http.Client) *HTTPProber {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}
	return &HTTPProber{
		endpoint:   strings.TrimRight(serverURL, "/") + "/healthz",
		httpClient: httpClient,
	}
}

// Probe measures one round trip. Any transport error or non-2xx status reads
// as offline.
func (p *HTTPProber) Probe(ctx context.Context) Status {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return Status{Online: false, Link: LinkClassUnknown}
	}

	started := time.Now()
	response, err := p.httpClient.Do(request)
	if err != nil {
		return Status{Online: false, Link: LinkClassUnknown}
	}
	defer response.Body.Close()
	elapsed := time.Since(started)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return Status{Online: false, Link: LinkClassUnknown}
	}

	return Status{
		Online: true,
		Link:   classifyRTT(elapsed),
		RTT:    elapsed,
	}
}

func classifyRTT(rtt time.Duration) LinkClass {
	switch {
	case rtt < 150*time.Millisecond:
		return LinkClassFast
	case rtt < 500*time.Millisecond:
		return LinkClassMedium
	case rtt < 1500*time.Millisecond:
		return LinkClassSlow
	default:
		return LinkClassCrawl
	}
}
