// Package normalizer flattens security server monitoring responses into the
// flat documents stored in the search index.
package normalizer

import (
	"fmt"
	"strconv"
	"time"

	"envmonitor/metric"
	"envmonitor/target"
)

// Record is one flattened document. Values are strings, float64s,
// []any or map[string]any so that a Record marshals to JSON unchanged.
type Record map[string]any

// Base field names present on every record.
const (
	FieldServerCode    = "serverCode"
	FieldMemberCode    = "memberCode"
	FieldMemberClass   = "memberClass"
	FieldXRoadInstance = "xroadInstance"
	FieldName          = "name"
	FieldError         = "error"
)

// listGroups are metric sets that hold peer items rather than properties of
// their parent. They are rendered as arrays instead of being merged.
var listGroups = map[string]bool{
	"Processes":       true,
	"Xroad Processes": true,
	"Certificates":    true,
	"Packages":        true,
}

// ServerName is the X-Road identifier of a security server,
// SERVER:<instance>/<memberClass>/<memberCode>/<serverCode>.
func ServerName(t target.Target, instance string) string {
	return fmt.Sprintf("SERVER:%s/%s/%s/%s", instance, t.MemberClass, t.MemberCode, t.ServerCode)
}

func base(t target.Target, instance string) Record {
	return Record{
		FieldServerCode:    t.ServerCode,
		FieldMemberCode:    t.MemberCode,
		FieldMemberClass:   t.MemberClass,
		FieldXRoadInstance: instance,
	}
}

// FaultRecord builds the record stored for a target that answered with a
// fault or could not be queried.
func FaultRecord(f metric.Fault, t target.Target, instance string) Record {
	rec := base(t, instance)
	rec[FieldName] = ServerName(t, instance)
	rec[FieldError] = f.String()
	return rec
}

// Normalize turns a response into a record. A fault response yields a fault
// record; a metric tree is flattened under the root set's name. A response
// with neither returns a *metric.FormatError.
func Normalize(resp *metric.Response, t target.Target, instance string) (Record, error) {
	if resp == nil {
		return nil, &metric.FormatError{Reason: "nil response"}
	}
	if resp.Fault != nil {
		return FaultRecord(*resp.Fault, t, instance), nil
	}
	if resp.Metrics == nil {
		return nil, &metric.FormatError{Reason: "response has neither metrics nor fault"}
	}

	rec := base(t, instance)
	rec[FieldName] = resp.Metrics.Name
	flatten(rec, resp.Metrics.Children)
	return rec, nil
}

func flatten(dst Record, nodes []metric.Node) {
	for _, n := range nodes {
		switch v := n.(type) {
		case metric.Numeric:
			dst[v.Name] = v.Value
		case metric.Text:
			dst[v.Name] = v.Value
		case metric.Histogram:
			dst[v.Name] = histogram(v)
		case *metric.Set:
			if listGroups[v.Name] {
				dst[v.Name] = list(v.Children)
			} else {
				flatten(dst, v.Children)
			}
		}
	}
}

// list renders the children of a list group. Text items become
// "<name> <value>" and nested sets become flattened objects.
func list(nodes []metric.Node) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		switch v := n.(type) {
		case metric.Text:
			out = append(out, v.Name+" "+v.Value)
		case metric.Numeric:
			out = append(out, v.Name+" "+strconv.FormatFloat(v.Value, 'f', -1, 64))
		case metric.Histogram:
			out = append(out, map[string]any{v.Name: histogram(v)})
		case *metric.Set:
			obj := Record{}
			flatten(obj, v.Children)
			out = append(out, map[string]any(obj))
		}
	}
	return out
}

func histogram(h metric.Histogram) map[string]any {
	return map[string]any{
		"updated": h.Updated.UTC().Format(time.RFC3339Nano),
		"min":     h.Min,
		"max":     h.Max,
		"mean":    h.Mean,
		"median":  h.Median,
		"stddev":  h.Stddev,
	}
}
