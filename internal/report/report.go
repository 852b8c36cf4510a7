// Package report builds, seals, validates, and exports session reports.
//
// A report is the portable record of one monitored session: the warnings
// in order, the per-type violation tally, and how the session ended. The
// digest is a BLAKE3 hash over the canonical JSON encoding with the digest
// field blanked, so any edit to an exported file is detectable.
package report

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"proctord/internal/store"
	"proctord/internal/violation"
)

// SchemaID names the report format.
const SchemaID = "proctord.report/v1"

// digestContext separates report digests from any other BLAKE3 use.
const digestContext = "proctord 2026-03 session report v1"

const schemaURL = "https://proctord.dev/schema/report-v1.schema.json"

//go:embed schema/report-v1.schema.json
var schemaJSON []byte

var (
	// ErrInvalidReport is wrapped by every schema validation failure.
	ErrInvalidReport = errors.New("report: invalid report")

	// ErrDigestMismatch means the report content does not match its digest.
	ErrDigestMismatch = errors.New("report: digest mismatch")
)

// Report is the exported record of one session.
type Report struct {
	Schema    string              `json:"schema"`
	SessionID string              `json:"session_id"`
	Candidate string              `json:"candidate,omitempty"`
	State     string              `json:"state"`
	Reason    string              `json:"reason"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	Warnings  []violation.Warning `json:"warnings"`
	Tally     violation.Tally     `json:"violation_tally"`
	Digest    string              `json:"digest"`
}

// Build assembles an unsealed report. state is store.StateTerminated or
// store.StateStopped.
func Build(sessionID, candidate, state string, warnings []violation.Warning, tally violation.Tally, startedAt, endedAt time.Time) *Report {
	r := &Report{
		Schema:    SchemaID,
		SessionID: sessionID,
		Candidate: candidate,
		State:     state,
		StartedAt: startedAt.UTC(),
		EndedAt:   endedAt.UTC(),
		Warnings:  make([]violation.Warning, len(warnings)),
		Tally:     tally.Clone(),
	}
	for i, w := range warnings {
		w.Timestamp = w.Timestamp.UTC()
		w.Tally = w.Tally.Clone()
		r.Warnings[i] = w
	}
	if state == store.StateTerminated {
		r.Reason = violation.TerminationReason
	} else {
		r.Reason = "session stopped"
	}
	return r
}

// FromTermination builds a terminated report from the termination evidence.
func FromTermination(sessionID, candidate string, startedAt time.Time, t violation.Termination) *Report {
	r := Build(sessionID, candidate, store.StateTerminated, t.Warnings, t.Tally, startedAt, t.Timestamp)
	r.Reason = t.Reason
	return r
}

// Canonical returns the encoding the digest is computed over.
func (r *Report) Canonical() ([]byte, error) {
	c := *r
	c.Digest = ""
	// encoding/json sorts map keys, so tallies encode deterministically.
	return json.Marshal(&c)
}

// ComputeDigest returns the hex BLAKE3 digest of the canonical encoding.
func (r *Report) ComputeDigest() (string, error) {
	data, err := r.Canonical()
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	h := blake3.NewDeriveKey(digestContext)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal sets Digest.
func (r *Report) Seal() error {
	d, err := r.ComputeDigest()
	if err != nil {
		return err
	}
	r.Digest = d
	return nil
}

// Verify checks Digest against the current content.
func (r *Report) Verify() error {
	d, err := r.ComputeDigest()
	if err != nil {
		return err
	}
	if d != r.Digest {
		return fmt.Errorf("%w: session %s", ErrDigestMismatch, r.SessionID)
	}
	return nil
}

// Outcome converts r into its stored form.
func (r *Report) Outcome() *store.Outcome {
	return &store.Outcome{
		SessionID: r.SessionID,
		Candidate: r.Candidate,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		State:     r.State,
		Reason:    r.Reason,
		Digest:    r.Digest,
		Warnings:  append([]violation.Warning(nil), r.Warnings...),
		Tally:     r.Tally.Clone(),
	}
}

// Marshal returns the indented JSON encoding written to disk.
func (r *Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(schemaURL)
	})
	return schema, schemaErr
}

// Validate checks an encoded report against the embedded JSON schema.
func Validate(data []byte) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	return nil
}

// Parse validates data, decodes it, and verifies the digest.
func Parse(data []byte) (*Report, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	return &r, nil
}
