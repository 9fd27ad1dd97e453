// Package protocol defines the discovery datagrams and the content API payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Param selects the fields a search runs against.
type Param string

const (
	ParamDefault Param = "default"
	ParamNames   Param = "names"
	ParamTags    Param = "tags"
)

// Normalize maps unknown or empty params to ParamDefault.
func (p Param) Normalize() Param {
	switch p {
	case ParamNames, ParamTags:
		return p
	default:
		return ParamDefault
	}
}

// Query is the discovery request datagram.
type Query struct {
	Network string `json:"network"`
	Search  string `json:"search"`
	Param   Param  `json:"param"`
	Page    int    `json:"page"`
}

// Result is one search hit. It travels as [name, id, downloads].
type Result struct {
	Name      string
	ID        string
	Downloads int
}

// MarshalJSON encodes the result as a three element array.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.Name, r.ID, r.Downloads})
}

// UnmarshalJSON decodes a three element array.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("result: expected 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.Name); err != nil {
		return fmt.Errorf("result name: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.ID); err != nil {
		return fmt.Errorf("result id: %w", err)
	}
	if err := json.Unmarshal(raw[2], &r.Downloads); err != nil {
		return fmt.Errorf("result downloads: %w", err)
	}
	return nil
}

// Response is the discovery reply datagram.
type Response struct {
	Network string   `json:"network"`
	Search  string   `json:"search"`
	Param   Param    `json:"param"`
	Page    int      `json:"page"`
	Results []Result `json:"results"`
}

// Matches reports whether r answers q.
func Matches(q Query, r Response) bool {
	return q.Network == r.Network &&
		q.Search == r.Search &&
		q.Param == r.Param &&
		q.Page == r.Page
}

// Encode serializes a datagram as one JSON line.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeQuery parses a query datagram.
func DecodeQuery(data []byte) (Query, error) {
	var q Query
	err := json.Unmarshal(bytes.TrimSpace(data), &q)
	return q, err
}

// DecodeResponse parses a response datagram.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := json.Unmarshal(bytes.TrimSpace(data), &r)
	return r, err
}

// DirEntry is one child in a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Type string `json:"type"`
}

// DirListing is returned by GET /{id} for directories.
type DirListing struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Children []DirEntry `json:"children"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
