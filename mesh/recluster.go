package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ReclusterRequest asks for a new run. Unset fields keep the configured
// defaults.
type ReclusterRequest struct {
	Radius     *float64 `json:"radius,omitempty"`
	SortMode   *string  `json:"sortMode,omitempty"`
	Descending *bool    `json:"descending,omitempty"`
	Reference  *Point   `json:"reference,omitempty"`
}

// ParseReclusterRequest decodes a recluster body. An empty body is a request
// with no overrides.
func ParseReclusterRequest(data []byte) (ReclusterRequest, error) {
	var req ReclusterRequest
	if len(bytes.TrimSpace(data)) == 0 {
		return req, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("parsing recluster request: %w", err)
	}
	return req, nil
}

// ApplyTo overlays the request on base and validates the outcome
func (r ReclusterRequest) ApplyTo(base Options) (Options, error) {
	opts := base
	if r.Radius != nil {
		opts.Radius = *r.Radius
	}
	if r.SortMode != nil {
		mode, err := ParseSortMode(*r.SortMode)
		if err != nil {
			return base, err
		}
		opts.SortMode = mode
	}
	if r.Descending != nil {
		opts.Descending = *r.Descending
	}
	if r.Reference != nil {
		opts.Reference = *r.Reference
	}
	if err := ValidateOptions(&opts); err != nil {
		return base, err
	}
	return opts, nil
}
