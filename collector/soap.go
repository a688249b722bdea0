package collector

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"envmonitor/logger"
	"envmonitor/metric"
	"envmonitor/target"
)

// ClientID identifies the subsystem the monitoring queries are sent as.
type ClientID struct {
	MemberClass string
	MemberCode  string
	Subsystem   string
}

// SOAPFetcher queries the environmental monitoring service of security
// servers through the local security server at URL.
type SOAPFetcher struct {
	URL      string
	Instance string
	Client   ClientID
	// OutputFields limits the response to the named metrics; empty asks
	// for everything.
	OutputFields []string
	HTTP         *http.Client // injected for testability
	Log          *zap.Logger
	UserAgent    string
}

// NewSOAPFetcher returns a ready to use fetcher.
func NewSOAPFetcher(url, instance string, client ClientID, fields []string, log *zap.Logger) *SOAPFetcher {
	return &SOAPFetcher{
		URL:          url,
		Instance:     instance,
		Client:       client,
		OutputFields: fields,
		HTTP:         &http.Client{},
		Log:          log,
		UserAgent:    "envmonitor/0.1",
	}
}

var requestTemplate = template.Must(template.New("request").Funcs(template.FuncMap{"x": escape}).Parse(
	`<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:id="http://x-road.eu/xsd/identifiers" xmlns:xroad="http://x-road.eu/xsd/xroad.xsd" xmlns:m="http://x-road.eu/xsd/monitoring">
  <SOAP-ENV:Header>
    <xroad:client id:objectType="SUBSYSTEM">
      <id:xRoadInstance>{{x .Instance}}</id:xRoadInstance>
      <id:memberClass>{{x .Client.MemberClass}}</id:memberClass>
      <id:memberCode>{{x .Client.MemberCode}}</id:memberCode>
      <id:subsystemCode>{{x .Client.Subsystem}}</id:subsystemCode>
    </xroad:client>
    <xroad:service id:objectType="SERVICE">
      <id:xRoadInstance>{{x .Instance}}</id:xRoadInstance>
      <id:memberClass>{{x .Target.MemberClass}}</id:memberClass>
      <id:memberCode>{{x .Target.MemberCode}}</id:memberCode>
      <id:serviceCode>getSecurityServerMetrics</id:serviceCode>
    </xroad:service>
    <xroad:securityServer id:objectType="SERVER">
      <id:xRoadInstance>{{x .Instance}}</id:xRoadInstance>
      <id:memberClass>{{x .Target.MemberClass}}</id:memberClass>
      <id:memberCode>{{x .Target.MemberCode}}</id:memberCode>
      <id:serverCode>{{x .Target.ServerCode}}</id:serverCode>
    </xroad:securityServer>
    <xroad:id>{{.ID}}</xroad:id>
    <xroad:protocolVersion>4.0</xroad:protocolVersion>
  </SOAP-ENV:Header>
  <SOAP-ENV:Body>
    <m:getSecurityServerMetrics>{{if .Fields}}
      <m:outputSpec>{{range .Fields}}
        <m:outputField>{{x .}}</m:outputField>{{end}}
      </m:outputSpec>{{end}}
    </m:getSecurityServerMetrics>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>
`))

func escape(s string) (string, error) {
	var b bytes.Buffer
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return "", err
	}
	return b.String(), nil
}

// BuildRequest renders the getSecurityServerMetrics envelope for t.
func (f *SOAPFetcher) BuildRequest(t target.Target, id string) ([]byte, error) {
	var b bytes.Buffer
	err := requestTemplate.Execute(&b, struct {
		Instance string
		Client   ClientID
		Target   target.Target
		ID       string
		Fields   []string
	}{f.Instance, f.Client, t, id, f.OutputFields})
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	return b.Bytes(), nil
}

// Fetch implements Fetcher. SOAP faults are returned as a fault response
// whatever the HTTP status; other non 2xx answers are a *FetchError.
func (f *SOAPFetcher) Fetch(ctx context.Context, t target.Target) (*metric.Response, error) {
	id := uuid.NewString()
	body, err := f.BuildRequest(t, id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Target: t, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{Target: t, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Target: t, Err: fmt.Errorf("read response: %w", err)}
	}
	logger.FromContext(ctx, logger.WithTarget(f.Log, t)).Debug("monitoring response received",
		zap.String("id", id),
		zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	decoded, err := metric.DecodeResponse(bytes.NewReader(payload))
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	switch {
	case err == nil && (ok || decoded.IsFault()):
		return decoded, nil
	case !ok:
		return nil, &FetchError{Target: t, Err: fmt.Errorf("security server returned %s", resp.Status)}
	default:
		var fe *metric.FormatError
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, &metric.FormatError{Reason: "undecodable response", Err: err}
	}
}
