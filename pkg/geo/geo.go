// Package geo looks up the public IP address of this host together with its
// approximate location and network operator, and renders the result into
// the three geolocation slots of the board.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"netprobe/pkg/config"
	"netprobe/pkg/display"
)

// Fallback texts written when the lookup fails.
const (
	FallbackAddress  = "address unavailable"
	FallbackOperator = "N/A"
	FallbackPosition = "N/A"
)

// ErrMissingCountry is returned when the record has no country code, which
// the flag image cannot be built without.
var ErrMissingCountry = errors.New("ip record has no country")

// Record is the response of an ipinfo.io style endpoint. It is rendered once
// and not retained.
type Record struct {
	IP          string `json:"ip" yaml:"ip"`
	Org         string `json:"org,omitempty" yaml:"org,omitempty"`
	City        string `json:"city,omitempty" yaml:"city,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
	Country     string `json:"country" yaml:"country"`
	CountryName string `json:"country_name,omitempty" yaml:"country_name,omitempty"`
}

// Sink receives the rendered record. It is satisfied by *display.Board.
type Sink interface {
	SetText(id, text string)
	AppendImage(id, src, alt string)
}

// Recorder receives per-request accounting. It is satisfied by
// *metrics.Collector.
type Recorder interface {
	RecordOutgoingCall(phase string, endpoint string)
	RecordFailure(phase string, kind string)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutgoingCall(string, string) {}
func (nopRecorder) RecordFailure(string, string)      {}

const phase = "geo"

// Fetcher issues the lookup request and renders its outcome.
type Fetcher struct {
	endpoint     string
	token        string
	flagTemplate string
	httpClient   *http.Client
	recorder     Recorder
	logger       *slog.Logger
}

func NewFetcher(cfg config.GeoConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		endpoint:     cfg.URL,
		token:        cfg.Token,
		flagTemplate: cfg.FlagURLTemplate,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		recorder: nopRecorder{},
		logger:   logger,
	}
}

// WithTransport replaces the HTTP transport, keeping the configured timeout
func (f *Fetcher) WithTransport(rt http.RoundTripper) *Fetcher {
	f.httpClient.Transport = rt
	return f
}

// WithRecorder attaches a metrics recorder
func (f *Fetcher) WithRecorder(r Recorder) *Fetcher {
	f.recorder = r
	return f
}

// Fetch retrieves the record for the caller's public address. Any transport
// failure, non-2xx status or undecodable body is an error, as is a record
// without a country.
func (f *Fetcher) Fetch(ctx context.Context) (*Record, error) {
	target, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid geolocation URL: %w", err)
	}
	if f.token != "" {
		q := target.Query()
		q.Set("token", f.token)
		target.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	f.recorder.RecordOutgoingCall(phase, target.Host)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.recorder.RecordFailure(phase, "network")
		return nil, fmt.Errorf("failed to fetch ip record: %w", stripQuery(err))
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		f.recorder.RecordFailure(phase, "status")
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, target.Host)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.recorder.RecordFailure(phase, "stream")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		f.recorder.RecordFailure(phase, "payload")
		return nil, fmt.Errorf("failed to decode ip record: %w", err)
	}
	if record.Country == "" {
		f.recorder.RecordFailure(phase, "payload")
		return nil, ErrMissingCountry
	}

	f.logger.Debug("IP record retrieved",
		"ip", record.IP,
		"country", record.Country,
		"city", record.City,
		"org", record.Org)

	return &record, nil
}

// Render fetches the record and writes it to the address, operator and
// position slots, followed by the country flag. On failure the three slots
// get the fallback texts and the error is logged; Render then returns nil.
func (f *Fetcher) Render(ctx context.Context, sink Sink) *Record {
	record, err := f.Fetch(ctx)
	if err != nil {
		f.logger.Error("Failed to retrieve IP information", "error", err)
		sink.SetText(display.IPDetails, FallbackAddress)
		sink.SetText(display.IPOperator, FallbackOperator)
		sink.SetText(display.IPPosition, FallbackPosition)
		return nil
	}

	operator := record.Org
	if operator == "" {
		operator = FallbackOperator
	}

	sink.SetText(display.IPDetails, FormatAddress(record.IP))
	sink.SetText(display.IPOperator, operator)
	sink.SetText(display.IPPosition, FormatPosition(record))

	countryName := record.CountryName
	if countryName == "" {
		countryName = "Unknown"
	}
	sink.AppendImage(display.IPPosition, FlagURL(f.flagTemplate, record.Country), "Flag of "+countryName)

	return record
}

// FormatAddress splits the address on dots and joins the parts back. It
// accepts any input, including an empty string.
func FormatAddress(ip string) string {
	return strings.Join(strings.Split(ip, "."), ".")
}

// FormatPosition renders "city, region, country".
func FormatPosition(r *Record) string {
	return fmt.Sprintf("%s, %s, %s", r.City, r.Region, r.Country)
}

// FlagURL substitutes the lower-cased country code for the first %s in
// template. Any other % in template is kept as is.
func FlagURL(template, country string) string {
	return strings.Replace(template, "%s", strings.ToLower(country), 1)
}

// stripQuery removes the query string, and with it the token, from the URL
// carried by a transport error.
func stripQuery(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if u, parseErr := url.Parse(urlErr.URL); parseErr == nil {
			u.RawQuery = ""
			return &url.Error{Op: urlErr.Op, URL: u.String(), Err: urlErr.Err}
		}
	}
	return err
}
