// Package sharedparams reads the X-Road global configuration shared-params
// document and turns its member and securityServer entries into the set of
// security servers to collect monitoring data from.
package sharedparams

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"envmonitor/target"
)

// ParseError reports that the shared-params document could not be read or
// decoded. No targets can be resolved after a ParseError.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse shared params %q: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Member is a <member> entry. ID is the document-local identifier that
// securityServer owner references point at.
type Member struct {
	ID          string      `xml:"id,attr"`
	MemberClass MemberClass `xml:"memberClass"`
	MemberCode  string      `xml:"memberCode"`
	Name        string      `xml:"name"`
}

type MemberClass struct {
	Code        string `xml:"code"`
	Description string `xml:"description"`
}

// SecurityServer is a <securityServer> entry.
type SecurityServer struct {
	Owner      string `xml:"owner"`
	ServerCode string `xml:"serverCode"`
	Address    string `xml:"address"`
}

// Document is the subset of shared-params.xml the collector needs.
type Document struct {
	InstanceIdentifier string           `xml:"instanceIdentifier"`
	Members            []Member         `xml:"member"`
	SecurityServers    []SecurityServer `xml:"securityServer"`
}

// Parse decodes a shared-params document. name is only used in errors.
func Parse(r io.Reader, name string) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Source: name, Err: err}
	}
	trim(&doc)
	return &doc, nil
}

func trim(doc *Document) {
	doc.InstanceIdentifier = strings.TrimSpace(doc.InstanceIdentifier)
	for i := range doc.Members {
		m := &doc.Members[i]
		m.ID = strings.TrimSpace(m.ID)
		m.MemberClass.Code = strings.TrimSpace(m.MemberClass.Code)
		m.MemberCode = strings.TrimSpace(m.MemberCode)
		m.Name = strings.TrimSpace(m.Name)
	}
	for i := range doc.SecurityServers {
		s := &doc.SecurityServers[i]
		s.Owner = strings.TrimSpace(s.Owner)
		s.ServerCode = strings.TrimSpace(s.ServerCode)
		s.Address = strings.TrimSpace(s.Address)
	}
}

// Resolve joins every security server with the member that owns it. The
// member list is scanned in document order and the first member whose ID
// equals the owner reference wins. Servers without an owning member are
// skipped.
func Resolve(members []Member, servers []SecurityServer) *target.Set {
	set := target.NewSet()
	for _, ss := range servers {
		if ss.Owner == "" {
			continue
		}
		for _, m := range members {
			if m.ID != ss.Owner {
				continue
			}
			set.Add(target.Target{
				ServerCode:  ss.ServerCode,
				Address:     ss.Address,
				MemberClass: m.MemberClass.Code,
				MemberCode:  m.MemberCode,
			})
			break
		}
	}
	return set
}

// Targets resolves the document's own member and securityServer lists.
func (d *Document) Targets() *target.Set {
	return Resolve(d.Members, d.SecurityServers)
}
