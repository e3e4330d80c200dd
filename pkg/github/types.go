package github

import "time"

// User is a GitHub account. Type distinguishes humans ("User") from
// machine accounts ("Bot", "Organization").
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// IsBot reports whether the account is not a regular user.
func (u *User) IsBot() bool {
	return u.Type != "" && u.Type != "User"
}

// Repo is the repository half of a PR head or base.
type Repo struct {
	Name  string `json:"name"`
	Owner User   `json:"owner"`
}

// Branch is one side of a pull request.
type Branch struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo *Repo  `json:"repo"`
}

// PullRequest mirrors the REST representation, restricted to the fields
// the engine reads.
type PullRequest struct {
	Number              int    `json:"number"`
	HTMLURL             string `json:"html_url"`
	Body                string `json:"body"`
	Merged              bool   `json:"merged"`
	Mergeable           *bool  `json:"mergeable"`
	MaintainerCanModify bool   `json:"maintainer_can_modify"`
	User                User   `json:"user"`
	Head                Branch `json:"head"`
	Base                Branch `json:"base"`
}

// BaseOwner returns the login owning the base repository.
func (pr *PullRequest) BaseOwner() string {
	if pr.Base.Repo == nil {
		return ""
	}
	return pr.Base.Repo.Owner.Login
}

// BaseRepo returns the name of the base repository.
func (pr *PullRequest) BaseRepo() string {
	if pr.Base.Repo == nil {
		return ""
	}
	return pr.Base.Repo.Name
}

// HeadOwner returns the login owning the head repository. For forks this
// differs from BaseOwner.
func (pr *PullRequest) HeadOwner() string {
	if pr.Head.Repo == nil {
		return ""
	}
	return pr.Head.Repo.Owner.Login
}

// IsMergeable reports the host's mergeability verdict, false when the
// host has not computed it yet.
func (pr *PullRequest) IsMergeable() bool {
	return pr.Mergeable != nil && *pr.Mergeable
}

// Status state constants.
const (
	StatusStateSuccess = "success"
	StatusStateFailure = "failure"
	StatusStateError   = "error"
	StatusStatePending = "pending"
)

// Status is one commit status instance for a context.
type Status struct {
	ID          int64  `json:"id"`
	Context     string `json:"context"`
	State       string `json:"state"`
	Description string `json:"description"`
	TargetURL   string `json:"target_url"`
}

// CheckRun status and conclusion constants.
const (
	CheckRunStatusCompleted   = "completed"
	CheckRunConclusionSuccess = "success"
)

// CheckRun is one check-run instance for a name.
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Comment is an issue comment, enough for command parsing and acking.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User User   `json:"user"`
}

// Installation is a GitHub App installation.
type Installation struct {
	ID      int64 `json:"id"`
	Account User  `json:"account"`
}

// installationToken is the response of the access-token endpoint.
type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
