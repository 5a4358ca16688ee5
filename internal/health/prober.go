package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultTimeout    = 3 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 1 * time.Second
)

// Result is the outcome of one probe.
type Result struct {
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

type CheckOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

func (options CheckOptions) withDefaults() CheckOptions {
	if options.Timeout <= 0 {
		options.Timeout = DefaultTimeout
	}
	if options.Retries <= 0 {
		options.Retries = DefaultRetries
	}
	if options.RetryDelay < 0 {
		options.RetryDelay = DefaultRetryDelay
	}
	return options
}

// Prober issues bounded HTTP checks. The zero value is not usable; use New.
type Prober struct {
	client *http.Client
	sleep  func(ctx context.Context, duration time.Duration) error
}

func New(client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{
			// Redirects count as healthy, so there is no need to follow them.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	return &Prober{client: client, sleep: sleepContext}
}

// Probe performs a single GET with the given timeout. The server is healthy
// when it answers with a status in [200, 400).
func (prober *Prober) Probe(ctx context.Context, url string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := time.Now()
	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{URL: url, Error: fmt.Sprintf("build request failed: %v", err)}
	}
	response, err := prober.client.Do(request)
	latency := time.Since(startedAt)
	if err != nil {
		message := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			message = fmt.Sprintf("timed out after %s", timeout)
		}
		return Result{URL: url, Latency: latency, Error: message}
	}
	defer response.Body.Close()

	return Result{
		URL:        url,
		Healthy:    response.StatusCode >= 200 && response.StatusCode < 400,
		StatusCode: response.StatusCode,
		Latency:    latency,
	}
}

// Check probes up to options.Retries times with a fixed delay and returns
// the first healthy result, or the last failure.
func (prober *Prober) Check(ctx context.Context, url string, options CheckOptions) Result {
	options = options.withDefaults()
	var result Result
	for attempt := 1; attempt <= options.Retries; attempt++ {
		result = prober.Probe(ctx, url, options.Timeout)
		if result.Healthy || attempt == options.Retries {
			return result
		}
		if err := prober.sleep(ctx, options.RetryDelay); err != nil {
			result.Error = err.Error()
			return result
		}
	}
	return result
}

// FirstHealthy probes every url concurrently and returns the first healthy
// result. Slower probes are left to finish on their own.
func (prober *Prober) FirstHealthy(ctx context.Context, urls []string, timeout time.Duration) (Result, bool) {
	if len(urls) == 0 {
		return Result{}, false
	}
	results := make(chan Result, len(urls))
	for _, url := range urls {
		go func(url string) {
			results <- prober.Probe(ctx, url, timeout)
		}(url)
	}
	for range urls {
		result := <-results
		if result.Healthy {
			return result, true
		}
	}
	return Result{}, false
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
