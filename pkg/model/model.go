// Package model defines the durable merge-pipeline records and the
// identities used to key them.
package model

import (
	"encoding/json"
	"fmt"
)

// RepoRef identifies a repository.
type RepoRef struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

func (r RepoRef) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}

// PRRef identifies a pull request.
type PRRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

func (r PRRef) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

func (r PRRef) RepoRef() RepoRef {
	return RepoRef{Owner: r.Owner, Repo: r.Repo}
}

// Dependency is one upstream PR a merge request waits on.
//
// DirectlyReferenced distinguishes edges named in the dependent's PR body
// from edges inferred through a lockfile. Only directly referenced edges
// are pruned when the author later edits the body.
type Dependency struct {
	SHA                string `json:"sha"`
	Owner              string `json:"owner"`
	Repo               string `json:"repo"`
	Number             int    `json:"number"`
	HTMLURL            string `json:"html_url"`
	DirectlyReferenced bool   `json:"is_directly_referenced"`
}

func (d *Dependency) Ref() PRRef {
	return PRRef{Owner: d.Owner, Repo: d.Repo, Number: d.Number}
}

// MergeRequest is the durable per-PR pipeline record, keyed by the head
// commit SHA at the time of insertion.
//
// Once WasUpdated is set the stored SHA is authoritative: a live head that
// differs aborts the pipeline with a head-changed error.
type MergeRequest struct {
	SHA          string        `json:"sha"`
	Owner        string        `json:"owner"`
	Repo         string        `json:"repo"`
	Number       int           `json:"number"`
	HTMLURL      string        `json:"html_url"`
	RequestedBy  string        `json:"requested_by"`
	WasUpdated   bool          `json:"was_updated"`
	Dependencies []*Dependency `json:"dependencies,omitempty"`
}

func (m *MergeRequest) Ref() PRRef {
	return PRRef{Owner: m.Owner, Repo: m.Repo, Number: m.Number}
}

// DependsOn reports whether m carries any dependency edge to ref.
func (m *MergeRequest) DependsOn(ref PRRef) bool {
	for _, dep := range m.Dependencies {
		if dep.Ref() == ref {
			return true
		}
	}
	return false
}

// Encode serializes the record for storage.
func (m *MergeRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merge request %s: %w", m.Ref(), err)
	}
	return data, nil
}

// DecodeMergeRequest deserializes a stored record.
func DecodeMergeRequest(data []byte) (*MergeRequest, error) {
	var m MergeRequest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode merge request: %w", err)
	}
	return &m, nil
}
