// Package model defines the records exchanged between the collector, the
// broker and the coordinator.
package model

import (
	"fmt"
	"time"
)

// AccountKind distinguishes individual accounts from organizations.
type AccountKind string

const (
	KindUser         AccountKind = "User"
	KindOrganization AccountKind = "Organization"
)

// Account is the metadata of one upstream account.
type Account struct {
	Login       string      `json:"login"`
	Kind        AccountKind `json:"kind"`
	Name        string      `json:"name,omitempty"`
	Location    string      `json:"location,omitempty"`
	Company     string      `json:"company,omitempty"`
	Email       string      `json:"email,omitempty"`
	Bio         string      `json:"bio,omitempty"`
	PublicRepos int         `json:"public_repos"`

	// Eligible is set by the executor's allow-list check.
	Eligible bool `json:"eligible"`
}

// IsOrganization reports whether the account is an organization.
func (a Account) IsOrganization() bool {
	return a.Kind == KindOrganization
}

// OwnerRef is the owner reference embedded in a ProjectRecord.
type OwnerRef struct {
	Login    string      `json:"login"`
	Kind     AccountKind `json:"kind"`
	Name     string      `json:"name,omitempty"`
	Location string      `json:"location,omitempty"`
}

// ProjectKey uniquely identifies a repository in the aggregate.
type ProjectKey struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// String renders the key as "owner/name".
func (k ProjectKey) String() string {
	return k.Owner + "/" + k.Name
}

// ProjectRecord is the metadata of one public repository.
type ProjectRecord struct {
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Stars       int       `json:"stars"`
	Forks       int       `json:"forks"`
	Watchers    int       `json:"watchers"`
	OpenIssues  int       `json:"open_issues"`
	Language    string    `json:"language,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	Fork        bool      `json:"fork"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	PushedAt    time.Time `json:"pushed_at"`
	OwnerRef    OwnerRef  `json:"owner_ref"`
}

// Key returns the dedup key of the record.
func (p ProjectRecord) Key() ProjectKey {
	return ProjectKey{Owner: p.Owner, Name: p.Name}
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchPending is waiting to be submitted: planned, or held for a retry
	// backoff.
	BatchPending BatchStatus = "PENDING"
	// BatchInProgress is handed to the broker. The coordinator does not see
	// when a worker takes the task, so this covers queued and leased alike.
	BatchInProgress      BatchStatus = "IN_PROGRESS"
	BatchSucceeded       BatchStatus = "SUCCEEDED"
	BatchFailedPermanent BatchStatus = "FAILED_PERMANENT"
)

// IsTerminal reports whether no further transition is possible.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchSucceeded || s == BatchFailedPermanent
}

// Batch is a fixed-size unit of work submitted as one queue item.
type Batch struct {
	ID           string      `json:"id"`
	Index        int         `json:"index"`
	Logins       []string    `json:"logins"`
	Status       BatchStatus `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	LastError    string      `json:"last_error,omitempty"`
}

// BatchID builds the deterministic id of the batch at index within a run.
func BatchID(runID string, index int) string {
	return fmt.Sprintf("%s-b%05d", runID, index)
}

// FailureReason classifies why an account produced no projects.
type FailureReason string

const (
	ReasonNotFound         FailureReason = "not_found"
	ReasonTransientNetwork FailureReason = "transient_network"
	ReasonAPIError         FailureReason = "api_error"
	ReasonNoCredentials    FailureReason = "no_credentials"
	ReasonCanceled         FailureReason = "canceled"

	// ReasonBatchFailed marks accounts of a permanently failed batch.
	ReasonBatchFailed FailureReason = "batch_failed"
)

// OutcomeStatus is the per-account result kind.
type OutcomeStatus string

const (
	OutcomeSuccess    OutcomeStatus = "success"
	OutcomeIneligible OutcomeStatus = "ineligible"
	OutcomeFailure    OutcomeStatus = "failure"
)

// AccountOutcome is the result of processing one account.
type AccountOutcome struct {
	Login    string          `json:"login"`
	Status   OutcomeStatus   `json:"status"`
	Reason   FailureReason   `json:"reason,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	Projects []ProjectRecord `json:"projects,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(login string, projects []ProjectRecord) AccountOutcome {
	return AccountOutcome{Login: login, Status: OutcomeSuccess, Projects: projects}
}

// Ineligible builds an outcome for an account rejected by the allow-list.
func Ineligible(login string) AccountOutcome {
	return AccountOutcome{Login: login, Status: OutcomeIneligible}
}

// Failed builds a failure outcome.
func Failed(login string, reason FailureReason, detail string) AccountOutcome {
	return AccountOutcome{Login: login, Status: OutcomeFailure, Reason: reason, Detail: detail}
}

// BatchResult is what a worker reports for a batch that finished executing.
// Per-account failures live in Outcomes; the batch itself still succeeded.
type BatchResult struct {
	BatchID    string           `json:"batch_id"`
	Attempt    int              `json:"attempt"`
	Worker     string           `json:"worker,omitempty"`
	Outcomes   []AccountOutcome `json:"outcomes"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Projects flattens the projects of every successful outcome.
func (r BatchResult) Projects() []ProjectRecord {
	var out []ProjectRecord
	for _, o := range r.Outcomes {
		if o.Status == OutcomeSuccess {
			out = append(out, o.Projects...)
		}
	}
	return out
}

// Counts returns succeeded, failed and ineligible account counts.
func (r BatchResult) Counts() (succeeded, failed, ineligible int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSuccess:
			succeeded++
		case OutcomeFailure:
			failed++
		case OutcomeIneligible:
			ineligible++
		}
	}
	return succeeded, failed, ineligible
}
