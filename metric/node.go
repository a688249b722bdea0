// Package metric models the environmental monitoring data returned by a
// security server: a tree of named metrics, or a SOAP fault.
package metric

import (
	"fmt"
	"time"
)

// Node is one element of a metric tree. The set of implementations is closed:
// Numeric, Text, Histogram and Set.
type Node interface {
	NodeName() string
	isNode()
}

type Numeric struct {
	Name  string
	Value float64
}

type Text struct {
	Name  string
	Value string
}

// Histogram carries the summary statistics of a sampled metric.
type Histogram struct {
	Name    string
	Updated time.Time
	Min     float64
	Max     float64
	Mean    float64
	Median  float64
	Stddev  float64
}

// Set groups child metrics. Children keep document order.
type Set struct {
	Name     string
	Children []Node
}

func (n Numeric) NodeName() string   { return n.Name }
func (n Text) NodeName() string      { return n.Name }
func (n Histogram) NodeName() string { return n.Name }
func (n *Set) NodeName() string      { return n.Name }

func (Numeric) isNode()   {}
func (Text) isNode()      {}
func (Histogram) isNode() {}
func (*Set) isNode()      {}

// Fault is a structured error answer from a security server.
type Fault struct {
	Code    string
	Message string
}

func (f Fault) String() string {
	return fmt.Sprintf("%s %s", f.Code, f.Message)
}

// FaultFromError turns a transport level failure into a fault so that it is
// recorded exactly like a fault returned by the target.
func FaultFromError(err error) *Fault {
	return &Fault{Code: "Client", Message: err.Error()}
}

// Response is the result of querying one target: exactly one of Metrics and
// Fault is set.
type Response struct {
	Metrics *Set
	Fault   *Fault
}

// IsFault reports whether the response carries a fault.
func (r *Response) IsFault() bool {
	return r != nil && r.Fault != nil
}
