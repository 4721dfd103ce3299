package interpret

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

const xpathMemberLink = `//a[@class="zg-link author-link"]`

type incrementalPayload struct {
	R   int      `json:"r"`
	Msg []string `json:"msg"`
}

// Incremental extracts one additional page of a relation list from the JSON
// payload returned by the site's node endpoint. Owner and direction come from
// the task that requested the page.
func (i *Interpreter) Incremental(resp crawler.FetchResponse, task crawler.PendingFetch) (Result, error) {
	var payload incrementalPayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return Result{}, &crawler.ProtocolError{URL: resp.URL, Reason: "decode incremental payload", Err: err}
	}
	if payload.R != 0 {
		return Result{}, &crawler.ProtocolError{URL: resp.URL, Reason: fmt.Sprintf("incremental payload rejected with r=%d", payload.R)}
	}

	var result Result
	ids := make([]string, 0, len(payload.Msg))
	for idx, fragment := range payload.Msg {
		addr, err := i.fragmentMember(fragment)
		if err != nil {
			result.Warnings = append(result.Warnings, &crawler.ParseError{
				URL:   resp.URL,
				Field: fmt.Sprintf("msg[%d]", idx),
				Err:   err,
			})
			continue
		}
		if addr == "" {
			continue
		}
		ids = append(ids, crawler.ProfileID(addr))
		result.Tasks = append(result.Tasks, i.profileTask(addr, task.Scope, task.Headers.Get("Referer")))
	}
	result.Relation = &crawler.RelationList{
		OwnerID:   task.OwnerID,
		Direction: task.Direction,
		MemberIDs: ids,
	}
	return result, nil
}

// fragmentMember returns the resolved member address in one HTML fragment,
// or "" when the fragment carries no member link.
func (i *Interpreter) fragmentMember(fragment string) (string, error) {
	node, err := htmlquery.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}
	link := htmlquery.FindOne(node, xpathMemberLink)
	if link == nil {
		return "", nil
	}
	href := strings.TrimSpace(htmlquery.SelectAttr(link, "href"))
	if href == "" {
		return "", nil
	}
	return crawler.Resolve(i.base, href)
}
