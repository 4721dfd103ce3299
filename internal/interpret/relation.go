package interpret

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

const (
	selMemberLink   = `a[class="zg-link author-link"]`
	selSectionLabel = `span[class="zm-profile-section-name"]`
	selListInit     = `div[class="zh-general-list clearfix"]`
	attrListInit    = "data-init"
)

var firstNumber = regexp.MustCompile(`\d+`)

var errMissingDescriptor = errors.New("pagination descriptor missing")

// pagination is the descriptor embedded in a relation list's first page.
type pagination struct {
	NodeName string `json:"nodename"`
	// Params is replayed verbatim except for offset.
	Params map[string]json.RawMessage `json:"params"`
}

// Relation extracts the first page of a relation list. It returns the partial
// RelationList, one profile task per member and one incremental task per
// remaining page. token is the session's anti-forgery token.
func (i *Interpreter) Relation(resp crawler.FetchResponse, task crawler.PendingFetch, token string) (Result, error) {
	doc, err := parseDocument(resp)
	if err != nil {
		return Result{}, err
	}

	ownerID, direction := relationOwner(task)
	var (
		result  Result
		members []string
	)
	doc.Find(selMemberLink).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		addr, err := crawler.Resolve(i.base, href)
		if err != nil {
			result.Warnings = append(result.Warnings, &crawler.ParseError{URL: task.URL, Field: "member_link", Err: err})
			return
		}
		members = append(members, addr)
	})

	total := len(members)
	if label := doc.Find(selSectionLabel); label.Length() > 0 {
		if n, ok := TotalFromLabel(label.First().Text()); ok {
			total = n
		}
	}
	if total == 0 {
		return Result{}, nil
	}

	desc, err := parsePagination(doc)
	if err != nil {
		result.Warnings = append(result.Warnings, &crawler.ParseError{URL: task.URL, Field: attrListInit, Err: err})
	} else {
		tasks, err := i.incrementalTasks(desc, total, task, ownerID, direction, token)
		if err != nil {
			result.Warnings = append(result.Warnings, &crawler.ParseError{URL: task.URL, Field: attrListInit, Err: err})
		}
		result.Tasks = append(result.Tasks, tasks...)
	}

	ids := make([]string, 0, len(members))
	for _, addr := range members {
		ids = append(ids, crawler.ProfileID(addr))
		result.Tasks = append(result.Tasks, i.profileTask(addr, task.Scope, task.URL))
	}
	result.Relation = &crawler.RelationList{
		OwnerID:   ownerID,
		Direction: direction,
		MemberIDs: ids,
	}
	return result, nil
}

// TotalFromLabel extracts the first decimal number in a relation section label.
func TotalFromLabel(label string) (int, bool) {
	match := firstNumber.FindString(label)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IncrementalOffsets returns the offsets of every page after the first:
// pageSize, 2*pageSize, ... while offset < total.
func IncrementalOffsets(total, pageSize int) []int {
	if pageSize <= 0 || total <= pageSize {
		return nil
	}
	offsets := make([]int, 0, (total-1)/pageSize)
	for off := pageSize; off < total; off += pageSize {
		offsets = append(offsets, off)
	}
	return offsets
}

func parsePagination(doc *goquery.Document) (pagination, error) {
	raw, ok := doc.Find(selListInit).First().Attr(attrListInit)
	if !ok || strings.TrimSpace(raw) == "" {
		return pagination{}, errMissingDescriptor
	}
	var desc pagination
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return pagination{}, fmt.Errorf("decode descriptor: %w", err)
	}
	if desc.NodeName == "" {
		return pagination{}, errors.New("descriptor has no node name")
	}
	if desc.Params == nil {
		desc.Params = map[string]json.RawMessage{}
	}
	return desc, nil
}

func (i *Interpreter) incrementalTasks(
	desc pagination,
	total int,
	origin crawler.PendingFetch,
	ownerID string,
	direction crawler.Direction,
	token string,
) ([]crawler.PendingFetch, error) {
	offsets := IncrementalOffsets(total, i.pageSize)
	if len(offsets) == 0 {
		return nil, nil
	}
	endpoint := i.base.ResolveReference(&url.URL{Path: "/node/" + desc.NodeName}).String()
	tasks := make([]crawler.PendingFetch, 0, len(offsets))
	for _, offset := range offsets {
		params := maps.Clone(desc.Params)
		params["offset"] = json.RawMessage(strconv.Itoa(offset))
		encoded, err := json.Marshal(params)
		if err != nil {
			return tasks, fmt.Errorf("encode params at offset %d: %w", offset, err)
		}
		form := url.Values{
			"method": {"next"},
			"_xsrf":  {token},
			"params": {string(encoded)},
		}
		tasks = append(tasks, crawler.PendingFetch{
			Purpose: crawler.PurposeIncremental,
			URL:     endpoint,
			Method:  http.MethodPost,
			Headers: crawler.BuildHeaders(i.headers,
				"Referer", origin.URL,
				"Content-Type", "application/x-www-form-urlencoded; charset=UTF-8",
			),
			Body:      form.Encode(),
			Scope:     origin.Scope,
			Priority:  crawler.PriorityHigh,
			Cursor:    offset,
			OwnerID:   ownerID,
			Direction: direction,
		})
	}
	return tasks, nil
}

// relationOwner prefers the owner recorded on the task and falls back to the
// address layout /people/{owner}/{followers|followees}.
func relationOwner(task crawler.PendingFetch) (string, crawler.Direction) {
	owner := task.OwnerID
	direction := task.Direction
	if owner == "" {
		if u, err := url.Parse(task.URL); err == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) >= 2 {
				owner = parts[len(parts)-2]
			}
		}
	}
	if direction == "" {
		direction = crawler.DirectionOf(task.URL)
	}
	return owner, direction
}
