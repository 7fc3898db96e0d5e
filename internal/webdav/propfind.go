package webdav

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/stormdav/stormdav/internal/errs"
	"github.com/stormdav/stormdav/internal/vfs"
)

// livePropNames is the property set served for allprop and propname.
var livePropNames = []xml.Name{
	{Space: "DAV:", Local: "displayname"},
	{Space: "DAV:", Local: "resourcetype"},
	{Space: "DAV:", Local: "getcontentlength"},
	{Space: "DAV:", Local: "getlastmodified"},
	{Space: "DAV:", Local: "getcontenttype"},
	{Space: "DAV:", Local: "getetag"},
	{Space: "DAV:", Local: "supportedlock"},
}

func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request, path string) {
	depth := r.Header.Get("Depth")
	if depth == "" || depth == "infinity" {
		h.writeError(w, r, errs.PermissionDenied("propfind depth infinity is not supported"))
		return
	}
	if depth != "0" && depth != "1" {
		h.writeError(w, r, errs.BadRequest("invalid Depth header: "+depth))
		return
	}

	req, err := parsePropfindBody(r.Body)
	if err != nil {
		h.writeError(w, r, errs.BadRequest("malformed propfind body").Wrap(err))
		return
	}

	principal := h.principal(r)
	self, err := h.fs.Stat(r.Context(), path, principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries := []vfs.Entry{*self}
	if depth == "1" && self.IsDir {
		children, err := h.fs.List(r.Context(), path, principal)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		entries = append(entries, children...)
	}

	ms := multistatus{XMLNS: "DAV:"}
	for _, e := range entries {
		ms.Responses = append(ms.Responses, h.propfindResponse(e, req))
	}
	if err := writeXML(w, http.StatusMultiStatus, &ms); err != nil {
		// Headers are gone; nothing left but logging.
		h.writeError(w, r, err)
	}
}

// parsePropfindBody reads a PROPFIND body. An empty body means allprop.
func parsePropfindBody(body io.Reader) (*propfindRequest, error) {
	var req propfindRequest
	err := xml.NewDecoder(body).Decode(&req)
	if errors.Is(err, io.EOF) {
		req.Allprop = &struct{}{}
		return &req, nil
	}
	if err != nil {
		return nil, err
	}
	if req.Allprop == nil && req.Propname == nil && req.Prop == nil {
		req.Allprop = &struct{}{}
	}
	return &req, nil
}

// propfindResponse builds one response element with per-property status.
func (h *Handler) propfindResponse(e vfs.Entry, req *propfindRequest) davResponse {
	resp := davResponse{Href: h.href(e.Path)}

	if req.Propname != nil {
		found := propValues{}
		for _, name := range livePropNames {
			found.Missing = append(found.Missing, missingProp{XMLName: name})
		}
		resp.Propstats = append(resp.Propstats, propstat{
			Prop:   found,
			Status: statusLine(http.StatusOK),
		})
		return resp
	}

	names := livePropNames
	if req.Prop != nil {
		names = req.Prop.Names
	}

	var found, notFound propValues
	foundAny, missingAny := false, false
	for _, name := range names {
		if name.Space == "DAV:" && fillLiveProp(&found, name.Local, e) {
			foundAny = true
			continue
		}
		notFound.Missing = append(notFound.Missing, missingProp{XMLName: name})
		missingAny = true
	}

	if foundAny || !missingAny {
		resp.Propstats = append(resp.Propstats, propstat{
			Prop:   found,
			Status: statusLine(http.StatusOK),
		})
	}
	if missingAny {
		resp.Propstats = append(resp.Propstats, propstat{
			Prop:   notFound,
			Status: statusLine(http.StatusNotFound),
		})
	}
	return resp
}

// fillLiveProp sets one live property value and reports whether the entry
// has it.
func fillLiveProp(out *propValues, local string, e vfs.Entry) bool {
	switch local {
	case "displayname":
		name := e.Name
		out.DisplayName = &name
		return true
	case "resourcetype":
		rt := &resourceType{}
		if e.IsDir {
			rt.Collection = &struct{}{}
		}
		out.ResourceType = rt
		return true
	case "getcontentlength":
		if e.IsDir {
			return false
		}
		v := strconv.FormatInt(e.Size, 10)
		out.GetContentLength = &v
		return true
	case "getlastmodified":
		if e.ModTime.IsZero() {
			return false
		}
		v := e.ModTime.UTC().Format(davTimeFormat)
		out.GetLastModified = &v
		return true
	case "getcontenttype":
		if e.IsDir || e.ContentType == "" {
			return false
		}
		ct := e.ContentType
		out.GetContentType = &ct
		return true
	case "getetag":
		if e.ETag == "" {
			return false
		}
		etag := e.ETag
		out.GetETag = &etag
		return true
	case "supportedlock":
		out.SupportedLock = &supportedLock{Entries: []lockEntryXML{
			{Scope: lockScopeXML{Exclusive: &struct{}{}}},
			{Scope: lockScopeXML{Shared: &struct{}{}}},
		}}
		return true
	}
	return false
}

// handleProppatch acknowledges every requested property without storing
// anything. Clients that insist on setting dead properties keep working;
// the values are simply not persisted.
func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request, path string) {
	principal := h.principal(r)
	if _, err := h.fs.Stat(r.Context(), path, principal); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.checkLock(r, path); err != nil {
		h.writeError(w, r, err)
		return
	}

	var update propertyUpdate
	if err := xml.NewDecoder(r.Body).Decode(&update); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, errs.BadRequest("malformed propertyupdate body").Wrap(err))
		return
	}

	var acked propValues
	for _, set := range update.Set {
		for _, name := range set.Prop.Names {
			acked.Missing = append(acked.Missing, missingProp{XMLName: name})
		}
	}
	for _, rem := range update.Remove {
		for _, name := range rem.Prop.Names {
			acked.Missing = append(acked.Missing, missingProp{XMLName: name})
		}
	}

	ms := multistatus{
		XMLNS: "DAV:",
		Responses: []davResponse{{
			Href: h.href(path),
			Propstats: []propstat{{
				Prop:   acked,
				Status: statusLine(http.StatusOK),
			}},
		}},
	}
	if err := writeXML(w, http.StatusMultiStatus, &ms); err != nil {
		h.writeError(w, r, err)
	}
}
