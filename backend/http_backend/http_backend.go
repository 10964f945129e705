package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/skroutz/extractor/backend"
	"github.com/skroutz/extractor/job"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

var (
	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // was 30 * time.Second
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
)

// Backend delivers events by POSTing their envelope to a webhook.
type Backend struct {
	client  *http.Client
	reports chan backend.Report
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	clientTimeout := time.Duration(DefaultClientTimeoutSec) * time.Second

	if cfgTimeout, ok := cfg["timeout"]; ok {
		var t int64
		switch v := cfgTimeout.(type) {
		case json.Number:
			var err error
			t, err = v.Int64()
			if err != nil {
				return err
			}
		case float64:
			t = int64(v)
		case int:
			t = int64(v)
		default:
			return fmt.Errorf("timeout must be a number, got %T", cfgTimeout)
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}

	b.reports = make(chan backend.Report)

	return nil
}

// Notify posts ev to url.
func (b *Backend) Notify(url string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err == nil {
		res.Body.Close()
	}
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if err == nil {
			err = fmt.Errorf("Received Status: %s", res.Status)
		}
		return err
	}

	b.reports <- backend.Report{Event: ev, Delivered: true}

	return nil
}

// DeliveryReports returns a channel of successfully delivered events.
// Failures are returned directly by Notify() as errors.
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
