package metric

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"
)

// FormatError reports a response that is not a well formed
// getSecurityServerMetrics answer or SOAP fault.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed monitoring response: %s: %v", e.Reason, e.Err)
	}
	return "malformed monitoring response: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

const (
	elemBody      = "Body"
	elemResponse  = "getSecurityServerMetricsResponse"
	elemFault     = "Fault"
	elemMetricSet = "metricSet"
	elemNumeric   = "numericMetric"
	elemString    = "stringMetric"
	elemHistogram = "histogramMetric"
	elemName      = "name"
)

// DecodeResponse reads a SOAP envelope and returns either the metric tree
// rooted at the response's metricSet or the fault it carries.
func DecodeResponse(r io.Reader) (*Response, error) {
	d := xml.NewDecoder(r)

	if err := seek(d, elemBody); err != nil {
		return nil, err
	}
	start, err := nextChild(d)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, &FormatError{Reason: "empty SOAP body"}
	}

	switch start.Name.Local {
	case elemResponse:
		root, err := decodeResponseElement(d)
		if err != nil {
			return nil, err
		}
		return &Response{Metrics: root}, nil
	case elemFault:
		f, err := decodeFault(d, *start)
		if err != nil {
			return nil, err
		}
		return &Response{Fault: f}, nil
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unexpected body element %q", start.Name.Local)}
	}
}

// seek advances to the start of the first element with the given local name.
func seek(d *xml.Decoder, local string) error {
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return &FormatError{Reason: fmt.Sprintf("no %s element", local)}
		}
		if err != nil {
			return &FormatError{Reason: "invalid XML", Err: err}
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == local {
			return nil
		}
	}
}

// nextChild returns the next child start element of the current element, or
// nil when the current element ends first.
func nextChild(d *xml.Decoder) (*xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, &FormatError{Reason: "invalid XML", Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return &t, nil
		case xml.EndElement:
			return nil, nil
		}
	}
}

func decodeResponseElement(d *xml.Decoder) (*Set, error) {
	for {
		start, err := nextChild(d)
		if err != nil {
			return nil, err
		}
		if start == nil {
			return nil, &FormatError{Reason: "response has no metricSet"}
		}
		if start.Name.Local == elemMetricSet {
			return decodeSet(d)
		}
		if err := d.Skip(); err != nil {
			return nil, &FormatError{Reason: "invalid XML", Err: err}
		}
	}
}

func decodeSet(d *xml.Decoder) (*Set, error) {
	set := &Set{}
	named := false
	for {
		start, err := nextChild(d)
		if err != nil {
			return nil, err
		}
		if start == nil {
			break
		}

		var child Node
		switch start.Name.Local {
		case elemName:
			var name string
			if err := d.DecodeElement(&name, start); err != nil {
				return nil, &FormatError{Reason: "invalid metricSet name", Err: err}
			}
			set.Name = strings.TrimSpace(name)
			named = true
			continue
		case elemMetricSet:
			child, err = decodeSet(d)
		case elemNumeric, elemString, elemHistogram:
			child, err = decodeLeaf(d, *start)
		default:
			err = d.Skip()
		}
		if err != nil {
			return nil, err
		}
		if child != nil {
			set.Children = append(set.Children, child)
		}
	}
	if !named || set.Name == "" {
		return nil, &FormatError{Reason: "metricSet without name"}
	}
	return set, nil
}

type rawLeaf struct {
	Name    string  `xml:"name"`
	Value   *string `xml:"value"`
	Updated *string `xml:"updated"`
	Min     *string `xml:"min"`
	Max     *string `xml:"max"`
	Mean    *string `xml:"mean"`
	Median  *string `xml:"median"`
	Stddev  *string `xml:"stddev"`
}

func decodeLeaf(d *xml.Decoder, start xml.StartElement) (Node, error) {
	var raw rawLeaf
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, &FormatError{Reason: "invalid " + start.Name.Local, Err: err}
	}
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return nil, &FormatError{Reason: start.Name.Local + " without name"}
	}

	switch start.Name.Local {
	case elemString:
		if raw.Value == nil {
			return nil, &FormatError{Reason: fmt.Sprintf("stringMetric %q without value", name)}
		}
		return Text{Name: name, Value: *raw.Value}, nil
	case elemNumeric:
		v, err := number(name, "value", raw.Value)
		if err != nil {
			return nil, err
		}
		return Numeric{Name: name, Value: v}, nil
	default:
		return decodeHistogram(name, raw)
	}
}

func decodeHistogram(name string, raw rawLeaf) (Node, error) {
	h := Histogram{Name: name}
	if raw.Updated == nil {
		return nil, &FormatError{Reason: fmt.Sprintf("histogramMetric %q without updated", name)}
	}
	updated, err := cast.ToTimeE(strings.TrimSpace(*raw.Updated))
	if err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("histogramMetric %q updated", name), Err: err}
	}
	h.Updated = updated

	fields := []struct {
		field string
		src   *string
		dst   *float64
	}{
		{"min", raw.Min, &h.Min},
		{"max", raw.Max, &h.Max},
		{"mean", raw.Mean, &h.Mean},
		{"median", raw.Median, &h.Median},
		{"stddev", raw.Stddev, &h.Stddev},
	}
	for _, f := range fields {
		v, err := number(name, f.field, f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return h, nil
}

func number(metricName, field string, s *string) (float64, error) {
	if s == nil {
		return 0, &FormatError{Reason: fmt.Sprintf("metric %q without %s", metricName, field)}
	}
	v, err := cast.ToFloat64E(strings.TrimSpace(*s))
	if err != nil {
		return 0, &FormatError{Reason: fmt.Sprintf("metric %q %s", metricName, field), Err: err}
	}
	return v, nil
}

type rawFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

func decodeFault(d *xml.Decoder, start xml.StartElement) (*Fault, error) {
	var raw rawFault
	if err := d.DecodeElement(&raw, &start); err != nil {
		return nil, &FormatError{Reason: "invalid SOAP fault", Err: err}
	}
	return &Fault{
		Code:    strings.TrimSpace(raw.Code),
		Message: strings.TrimSpace(raw.String),
	}, nil
}
