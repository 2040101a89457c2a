package vfs

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/tokuhirom/sabos/internal/infrastructure/resilience"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
)

// RemoteFS is the network-share variant: a backend proxied over HTTP to an
// out-of-kernel file server, the moral equivalent of a filesystem daemon.
// The wire protocol is flat:
//
//	GET    {base}/stat?path=rel    -> {"kind":"file"|"directory","size":N}
//	GET    {base}/file?path=rel    -> raw bytes
//	PUT    {base}/file?path=rel    <- raw bytes
//	GET    {base}/list?path=rel    -> ["name", ...]
//	POST   {base}/create?path=rel
//	POST   {base}/mkdir?path=rel
//	DELETE {base}/file?path=rel
//	DELETE {base}/dir?path=rel
//
// Transient failures retry at the transport; persistent ones trip the
// breaker so a dead share fails fast instead of stalling every task.
type RemoteFS struct {
	base    string
	client  *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
}

// RemoteConfig tunes the client; zero values pick the defaults. RetryMax -1
// disables transport retries.
type RemoteConfig struct {
	Timeout           time.Duration
	RetryMax          int
	RequestsPerSecond float64
}

type remoteStat struct {
	Kind string `json:"kind"`
	Size uint64 `json:"size"`
}

// NewRemoteFS builds a client for the share rooted at baseURL.
func NewRemoteFS(baseURL string, cfg RemoteConfig) *RemoteFS {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	switch {
	case cfg.RetryMax == 0:
		cfg.RetryMax = 3
	case cfg.RetryMax < 0:
		cfg.RetryMax = 0
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "sabos-remotefs/1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)*2)
	}

	breaker := resilience.New("remotefs", resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 10 ||
				(counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.7)
		},
	})

	return &RemoteFS{base: baseURL, client: client, limiter: limiter, breaker: breaker}
}

// Name implements Backend.
func (r *RemoteFS) Name() string { return "remotefs" }

// do runs one request through the limiter and breaker and maps HTTP status
// to the kernel error taxonomy.
func (r *RemoteFS) do(req func() (*resty.Response, error)) (*resty.Response, error) {
	if err := r.limiter.Wait(context.Background()); err != nil {
		return nil, fmt.Errorf("remotefs limiter: %w", syserr.ErrIO)
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		resp, err := req()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, fmt.Errorf("remote status %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("remotefs: %v: %w", err, syserr.ErrIO)
	}
	resp := out.(*resty.Response)
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return nil, syserr.ErrNotFound
	case http.StatusForbidden:
		return nil, syserr.ErrPermissionDenied
	case http.StatusConflict:
		return nil, syserr.ErrAlreadyExists
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, fmt.Errorf("remote status %d: %w", resp.StatusCode(), syserr.ErrIO)
	}
	return resp, nil
}

// Stat implements Backend.
func (r *RemoteFS) Stat(rel string) (Info, error) {
	resp, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Get("/stat")
	})
	if err != nil {
		return Info{}, err
	}
	var st remoteStat
	if err := sonic.Unmarshal(resp.Body(), &st); err != nil {
		return Info{}, fmt.Errorf("remotefs stat decode: %w", syserr.ErrIO)
	}
	info := Info{Size: st.Size}
	if st.Kind == "directory" {
		info.Kind = KindDirectory
		info.Size = 0
	}
	return info, nil
}

// ReadFile implements Backend.
func (r *RemoteFS) ReadFile(rel string) ([]byte, error) {
	resp, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Get("/file")
	})
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// WriteFile implements Backend.
func (r *RemoteFS) WriteFile(rel string, data []byte) error {
	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).SetBody(data).Put("/file")
	})
	return err
}

// List implements Backend.
func (r *RemoteFS) List(rel string) ([]string, error) {
	resp, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Get("/list")
	})
	if err != nil {
		return nil, err
	}
	var names []string
	if err := sonic.Unmarshal(resp.Body(), &names); err != nil {
		return nil, fmt.Errorf("remotefs list decode: %w", syserr.ErrIO)
	}
	return names, nil
}

// Create implements Backend.
func (r *RemoteFS) Create(rel string) error {
	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Post("/create")
	})
	return err
}

// RemoveFile implements Backend.
func (r *RemoteFS) RemoveFile(rel string) error {
	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Delete("/file")
	})
	return err
}

// RemoveDir implements Backend.
func (r *RemoteFS) RemoveDir(rel string) error {
	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Delete("/dir")
	})
	return err
}

// Mkdir implements Backend.
func (r *RemoteFS) Mkdir(rel string) error {
	_, err := r.do(func() (*resty.Response, error) {
		return r.client.R().SetQueryParam("path", rel).Post("/mkdir")
	})
	return err
}
