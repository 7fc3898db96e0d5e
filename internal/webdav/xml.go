package webdav

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"
)

// davTimeFormat is the RFC 1123 form required by getlastmodified.
const davTimeFormat = http.TimeFormat

// propfindRequest is the parsed body of a PROPFIND. All three children are
// optional; an absent body means allprop.
type propfindRequest struct {
	XMLName  xml.Name  `xml:"DAV: propfind"`
	Allprop  *struct{} `xml:"allprop"`
	Propname *struct{} `xml:"propname"`
	Prop     *propList `xml:"prop"`
}

// propList captures the names of requested properties.
type propList struct {
	Names []xml.Name `xml:",any"`
}

func (p *propList) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			p.Names = append(p.Names, t.Name)
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

// propertyUpdate is the parsed body of a PROPPATCH.
type propertyUpdate struct {
	XMLName xml.Name `xml:"DAV: propertyupdate"`
	Set     []struct {
		Prop propList `xml:"prop"`
	} `xml:"set"`
	Remove []struct {
		Prop propList `xml:"prop"`
	} `xml:"remove"`
}

// lockInfoRequest is the parsed body of a lock-creating LOCK.
type lockInfoRequest struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"lockscope>exclusive"`
	Shared    *struct{} `xml:"lockscope>shared"`
	Write     *struct{} `xml:"locktype>write"`
	Owner     ownerBody `xml:"owner"`
}

// ownerBody preserves the raw owner XML verbatim for echoing in responses.
type ownerBody struct {
	Raw string `xml:",innerxml"`
}

// multistatus is the 207 response document.
type multistatus struct {
	XMLName   xml.Name      `xml:"D:multistatus"`
	XMLNS     string        `xml:"xmlns:D,attr"`
	Responses []davResponse `xml:"D:response"`
}

type davResponse struct {
	Href      string     `xml:"D:href"`
	Propstats []propstat `xml:"D:propstat"`
}

type propstat struct {
	Prop   propValues `xml:"D:prop"`
	Status string     `xml:"D:status"`
}

// propValues holds the known DAV properties. Nil fields are omitted so one
// struct serves both found and not-found propstat blocks.
type propValues struct {
	DisplayName      *string       `xml:"D:displayname,omitempty"`
	ResourceType     *resourceType `xml:"D:resourcetype,omitempty"`
	GetContentLength *string       `xml:"D:getcontentlength,omitempty"`
	GetLastModified  *string       `xml:"D:getlastmodified,omitempty"`
	GetContentType   *string       `xml:"D:getcontenttype,omitempty"`
	GetETag          *string       `xml:"D:getetag,omitempty"`
	SupportedLock    *supportedLock `xml:"D:supportedlock,omitempty"`
	Missing          []missingProp  `xml:",any,omitempty"`
}

// missingProp echoes a requested-but-absent property name as an empty
// element inside the 404 propstat.
type missingProp struct {
	XMLName xml.Name
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

type supportedLock struct {
	Entries []lockEntryXML `xml:"D:lockentry"`
}

type lockEntryXML struct {
	Scope lockScopeXML `xml:"D:lockscope"`
	Type  lockTypeXML  `xml:"D:locktype"`
}

type lockScopeXML struct {
	Exclusive *struct{} `xml:"D:exclusive,omitempty"`
	Shared    *struct{} `xml:"D:shared,omitempty"`
}

type lockTypeXML struct {
	Write struct{} `xml:"D:write"`
}

// lockResponse is the body returned by LOCK: prop > lockdiscovery > activelock.
type lockResponse struct {
	XMLName       xml.Name      `xml:"D:prop"`
	XMLNS         string        `xml:"xmlns:D,attr"`
	LockDiscovery lockDiscovery `xml:"D:lockdiscovery"`
}

type lockDiscovery struct {
	Active []activeLock `xml:"D:activelock"`
}

type activeLock struct {
	Scope   lockScopeXML `xml:"D:lockscope"`
	Type    lockTypeXML  `xml:"D:locktype"`
	Depth   string       `xml:"D:depth"`
	Owner   ownerOut     `xml:"D:owner,omitempty"`
	Timeout string       `xml:"D:timeout"`
	Token   hrefValue    `xml:"D:locktoken"`
	Root    hrefValue    `xml:"D:lockroot"`
}

type ownerOut struct {
	Raw string `xml:",innerxml"`
}

type hrefValue struct {
	Href string `xml:"D:href"`
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

func timeoutValue(d time.Duration) string {
	return fmt.Sprintf("Second-%d", int64(d.Seconds()))
}

func writeXML(w http.ResponseWriter, status int, doc any) error {
	w.Header().Set("Content-Type", `application/xml; charset="utf-8"`)
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(doc)
}
