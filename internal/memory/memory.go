// Package memory implements the verified memory store: citation-backed
// records of code conventions and decisions, with a lifecycle state machine
// (active, superseded, invalid) and an append-only telemetry log.
//
// Every fact a memory asserts is backed by one or more citations into a
// repository. Citations are verified mechanically against the code host; the
// store itself never interprets fact text.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is the shared namespace queried alongside any specific
// tenant. Memories written without a tenant land here and are visible to
// all readers of the same repository.
const DefaultTenant = "default"

// Field limits enforced by Save, Refresh and Supersede.
const (
	MaxSubjectLength = 200
	MaxFactLength    = 2000
	MaxReasonLength  = 2000
	MaxCitations     = 20
	MaxPathLength    = 512
)

// List limits applied to read operations.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Status is the lifecycle state of a memory. Active memories are the only
// ones surfaced by reads; superseded and invalid are terminal.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusInvalid    Status = "invalid"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuperseded, StatusInvalid:
		return true
	}
	return false
}

// Terminal reports whether s is an end state. Terminal memories never
// transition again; corrections happen by writing a replacement row.
func (s Status) Terminal() bool {
	return s == StatusSuperseded || s == StatusInvalid
}

// Citation points at a line range in a repository file. LineStart and
// LineEnd are 1-indexed and inclusive. Ref optionally pins the citation to a
// branch, tag or commit; Fingerprint optionally carries a content hash of
// the cited lines so drift can be detected even when the range still exists.
type Citation struct {
	Path        string `json:"path"`
	LineStart   int    `json:"line_start"`
	LineEnd     int    `json:"line_end"`
	Ref         string `json:"ref,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Validate checks structural well-formedness. It does not touch the network;
// whether the cited lines exist is the verifier's job.
func (c Citation) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: citation path is required", ErrInvalidInput)
	}
	if len(c.Path) > MaxPathLength {
		return fmt.Errorf("%w: citation path exceeds %d characters", ErrInvalidInput, MaxPathLength)
	}
	if strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: citation path must be repository-relative: %q", ErrInvalidInput, c.Path)
	}
	if strings.ContainsRune(c.Path, '\x00') {
		return fmt.Errorf("%w: citation path contains a NUL byte", ErrInvalidInput)
	}
	if c.LineStart < 1 {
		return fmt.Errorf("%w: line_start must be at least 1, got %d", ErrInvalidInput, c.LineStart)
	}
	if c.LineEnd < c.LineStart {
		return fmt.Errorf("%w: line_end %d precedes line_start %d", ErrInvalidInput, c.LineEnd, c.LineStart)
	}
	return nil
}

// Memory is one stored record. The (Tenant, Repo, Subject, Fact) tuple is
// unique among active memories; SupersedesID and SupersededByID link
// correction chains in both directions.
type Memory struct {
	ID                uuid.UUID  `json:"id"`
	Tenant            string     `json:"tenant"`
	Repo              string     `json:"repo"`
	Subject           string     `json:"subject"`
	Fact              string     `json:"fact"`
	Citations         []Citation `json:"citations"`
	Reason            string     `json:"reason,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	RefreshedAt       time.Time  `json:"refreshed_at"`
	Status            Status     `json:"status"`
	SupersedesID      *uuid.UUID `json:"supersedes_id,omitempty"`
	SupersededByID    *uuid.UUID `json:"superseded_by_id,omitempty"`
	VerificationCount int        `json:"verification_count"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	LastVerifiedBy    string     `json:"last_verified_by,omitempty"`
}

// SaveInput carries everything Save needs to create or refresh a memory.
// Tenant defaults to DefaultTenant when empty; Actor and SessionID are
// recorded in telemetry only.
type SaveInput struct {
	Tenant    string
	Repo      string
	Subject   string
	Fact      string
	Citations []Citation
	Reason    string
	Actor     string
	SessionID string
}

func (in *SaveInput) normalize() {
	if in.Tenant == "" {
		in.Tenant = DefaultTenant
	}
}

func (in SaveInput) validate() error {
	if in.Repo == "" {
		return fmt.Errorf("%w: repo is required", ErrInvalidInput)
	}
	if in.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if len(in.Subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters", ErrInvalidInput, MaxSubjectLength)
	}
	if in.Fact == "" {
		return fmt.Errorf("%w: fact is required", ErrInvalidInput)
	}
	if len(in.Fact) > MaxFactLength {
		return fmt.Errorf("%w: fact exceeds %d characters", ErrInvalidInput, MaxFactLength)
	}
	if len(in.Reason) > MaxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrInvalidInput, MaxReasonLength)
	}
	return validateCitations(in.Citations)
}

func validateCitations(citations []Citation) error {
	if len(citations) > MaxCitations {
		return fmt.Errorf("%w: citation count %d exceeds maximum %d", ErrInvalidInput, len(citations), MaxCitations)
	}
	for i, c := range citations {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("citation %d: %w", i, err)
		}
	}
	return nil
}

// Stats summarizes one (tenant, repo) scope. Counts are derived from row
// status at read time; nothing is maintained incrementally.
type Stats struct {
	Tenant           string  `json:"tenant"`
	Repo             string  `json:"repo"`
	Active           int     `json:"active"`
	Superseded       int     `json:"superseded"`
	Invalid          int     `json:"invalid"`
	AvgVerifications float64 `json:"avg_verifications"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
