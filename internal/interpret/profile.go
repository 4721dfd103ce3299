package interpret

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

const (
	selNickname     = `div[class="title-section"] > span[class="name"]`
	selGenderMarker = `span[class="item gender"] > i`
	selFollowBox    = `div[class="zm-profile-side-following zg-clear"]`
	selFollowCounts = selFollowBox + ` strong`
	selRelationLink = selFollowBox + ` > a[class="item"]`
)

var errTooFewCounters = errors.New("expected two follow counters")

// Profile extracts a Profile and the relation-list tasks linked from a
// profile page. task.URL is the profile's canonical address.
func (i *Interpreter) Profile(resp crawler.FetchResponse, task crawler.PendingFetch) (Result, error) {
	doc, err := parseDocument(resp)
	if err != nil {
		return Result{}, err
	}

	profile := crawler.Profile{
		ID:         crawler.ProfileID(task.URL),
		Nickname:   ownText(doc.Find(selNickname).First()),
		Location:   itemTitle(doc, "location"),
		Business:   itemTitle(doc, "business"),
		Employment: itemTitle(doc, "employment"),
		Position:   itemTitle(doc, "position"),
		Education:  itemTitle(doc, "education"),
	}
	if profile.ID == "" {
		return Result{}, &crawler.ProtocolError{URL: task.URL, Reason: "profile address has no id segment"}
	}
	marker, ok := doc.Find(selGenderMarker).First().Attr("class")
	profile.Gender = GenderFromMarker(marker, ok)

	var result Result
	followee, follower, err := ParseFollowCounts(textsOf(doc.Find(selFollowCounts)))
	if err != nil {
		result.Warnings = append(result.Warnings, &crawler.ParseError{URL: task.URL, Field: "follow_counts", Err: err})
	} else {
		profile.FolloweeCount = followee
		profile.FollowerCount = follower
		profile.CountsKnown = true
	}
	result.Profile = &profile

	doc.Find(selRelationLink).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			return
		}
		addr, err := crawler.Resolve(i.base, href)
		if err != nil {
			result.Warnings = append(result.Warnings, &crawler.ParseError{URL: task.URL, Field: "relation_link", Err: err})
			return
		}
		result.Tasks = append(result.Tasks, crawler.PendingFetch{
			Purpose:   crawler.PurposeRelation,
			URL:       addr,
			Headers:   crawler.BuildHeaders(i.headers, "Referer", task.URL),
			Method:    http.MethodGet,
			Scope:     task.Scope,
			Priority:  crawler.PriorityNormal,
			OwnerID:   profile.ID,
			Direction: crawler.DirectionOf(addr),
		})
	})
	return result, nil
}

// GenderFromMarker maps the gender marker's class text. A missing marker is
// Unknown; any marker mentioning "female" is Female; any other marker is Male.
func GenderFromMarker(marker string, present bool) crawler.Gender {
	if !present {
		return crawler.GenderUnknown
	}
	if strings.Contains(marker, "female") {
		return crawler.GenderFemale
	}
	return crawler.GenderMale
}

// ParseFollowCounts reads the two adjacent, unlabeled counters of a profile
// page. The markup only distinguishes them by position: the first is the
// followee count and the second the follower count.
func ParseFollowCounts(texts []string) (followee, follower int, err error) {
	if len(texts) < 2 {
		return 0, 0, fmt.Errorf("%w, found %d", errTooFewCounters, len(texts))
	}
	followee, err = parseCount(texts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("followee count: %w", err)
	}
	follower, err = parseCount(texts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("follower count: %w", err)
	}
	return followee, follower, nil
}

func parseCount(raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative count %d", n)
	}
	return n, nil
}

func itemTitle(doc *goquery.Document, field string) string {
	title, _ := doc.Find(`span[class="` + field + ` item"]`).First().Attr("title")
	return strings.TrimSpace(title)
}

func textsOf(sel *goquery.Selection) []string {
	return sel.Map(func(_ int, s *goquery.Selection) string {
		return s.Text()
	})
}

// ownText joins the direct text children of s, skipping nested elements.
func ownText(s *goquery.Selection) string {
	return strings.TrimSpace(s.Contents().FilterFunction(func(_ int, c *goquery.Selection) bool {
		return goquery.NodeName(c) == "#text"
	}).Text())
}
