// Package companion extracts companion-PR references from pull request
// bodies. A reference trail of ancestor repositories breaks cycles during
// graph traversal.
package companion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mergebot/pkg/model"
)

// Companion is one parsed reference.
type Companion struct {
	Owner   string
	Repo    string
	Number  int
	HTMLURL string
}

// Ref returns the PR identity of the companion.
func (c *Companion) Ref() model.PRRef {
	return model.PRRef{Owner: c.Owner, Repo: c.Repo, Number: c.Number}
}

// Both forms require the marker and the link on the same line. The marker
// may be separated from the link by any run of non-alphabetic characters.
var (
	longForm  = regexp.MustCompile(`(?i)companion[^a-zA-Z]*(https://[^/\s]+/([^/\s]+)/([^/\s]+)/pull/(\d+))`)
	shortForm = regexp.MustCompile(`(?i)companion[^a-zA-Z]*([\w.-]+)/([\w.-]+)#(\d+)`)
)

// Parse extracts companion references from a PR body, line by line. Any
// companion whose repository appears in trail is dropped, so a cycle
// A -> B -> C -> A degenerates to A -> B -> C. Duplicates are removed,
// first occurrence wins.
func Parse(body string, trail []model.RepoRef) []Companion {
	var companions []Companion
	seen := make(map[model.PRRef]bool)

	add := func(c Companion) {
		if onTrail(trail, c.Owner, c.Repo) {
			return
		}
		if seen[c.Ref()] {
			return
		}
		seen[c.Ref()] = true
		companions = append(companions, c)
	}

	for _, line := range strings.Split(body, "\n") {
		if m := longForm.FindStringSubmatch(line); m != nil {
			number, err := strconv.Atoi(m[4])
			if err != nil {
				continue
			}
			add(Companion{
				Owner:   m[2],
				Repo:    m[3],
				Number:  number,
				HTMLURL: m[1],
			})
			continue
		}
		if m := shortForm.FindStringSubmatch(line); m != nil {
			number, err := strconv.Atoi(m[3])
			if err != nil {
				continue
			}
			add(Companion{
				Owner:   m[1],
				Repo:    m[2],
				Number:  number,
				HTMLURL: fmt.Sprintf("https://github.com/%s/%s/pull/%d", m[1], m[2], number),
			})
		}
	}
	return companions
}

func onTrail(trail []model.RepoRef, owner, repo string) bool {
	for _, ancestor := range trail {
		if strings.EqualFold(ancestor.Owner, owner) && strings.EqualFold(ancestor.Repo, repo) {
			return true
		}
	}
	return false
}
