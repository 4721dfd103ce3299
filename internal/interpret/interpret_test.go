package interpret

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/followgraph-crawler/internal/crawler"
)

const testBase = "https://www.zhihu.com"

func newTestInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	in, err := New(Config{
		BaseURL: testBase,
		Headers: http.Header{"User-Agent": {"test-agent"}},
	})
	require.NoError(t, err)
	return in
}

func TestNewValidatesBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "/relative"})
	require.Error(t, err)

	in, err := New(Config{BaseURL: testBase})
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, in.PageSize())
}

const profilePage = `<html><body>
<div class="title-section"><span class="name"> Lu Teng </span></div>
<span class="location item" title="Beijing"></span>
<span class="business item" title="Internet"></span>
<span class="employment item" title="Acme"></span>
<span class="position item" title="Engineer"></span>
<span class="education item" title="PKU"></span>
<span class="item gender"><i class="icon icon-profile-female"></i></span>
<div class="zm-profile-side-following zg-clear">
  <a class="item" href="/people/luteng0601/followees"><span>Following</span><strong>150</strong></a>
  <a class="item" href="/people/luteng0601/followers"><span>Followers</span><strong>2300</strong></a>
</div>
</body></html>`

func TestProfileExtractsAttributesAndRelationTasks(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := crawler.PendingFetch{Purpose: crawler.PurposeProfile, URL: testBase + "/people/luteng0601", Scope: "s1"}
	res, err := in.Profile(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(profilePage)}, task)
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	require.NotNil(t, res.Profile)

	p := res.Profile
	assert.Equal(t, "luteng0601", p.ID)
	assert.Equal(t, "Lu Teng", p.Nickname)
	assert.Equal(t, "Beijing", p.Location)
	assert.Equal(t, "Internet", p.Business)
	assert.Equal(t, "Acme", p.Employment)
	assert.Equal(t, "Engineer", p.Position)
	assert.Equal(t, "PKU", p.Education)
	assert.Equal(t, crawler.GenderFemale, p.Gender)
	assert.Equal(t, 150, p.FolloweeCount)
	assert.Equal(t, 2300, p.FollowerCount)
	assert.True(t, p.CountsKnown)

	require.Len(t, res.Tasks, 2)
	followees, followers := res.Tasks[0], res.Tasks[1]
	assert.Equal(t, crawler.PurposeRelation, followees.Purpose)
	assert.Equal(t, testBase+"/people/luteng0601/followees", followees.URL)
	assert.Equal(t, crawler.DirectionFollowee, followees.Direction)
	assert.Equal(t, crawler.DirectionFollower, followers.Direction)
	for _, task := range res.Tasks {
		assert.Equal(t, "luteng0601", task.OwnerID)
		assert.Equal(t, "s1", task.Scope)
		assert.Equal(t, "test-agent", task.Headers.Get("User-Agent"))
	}
	followees.Headers.Set("X-Mutated", "1")
	assert.Empty(t, followers.Headers.Get("X-Mutated"))
}

func TestProfileMissingFieldsAndBrokenCounters(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div class="title-section"><span class="name">Anon</span></div>
<div class="zm-profile-side-following zg-clear"><strong>lots</strong></div>
</body></html>`
	in := newTestInterpreter(t)
	task := crawler.PendingFetch{URL: testBase + "/people/anon"}
	res, err := in.Profile(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(page)}, task)
	require.NoError(t, err)
	require.NotNil(t, res.Profile)
	assert.Equal(t, "Anon", res.Profile.Nickname)
	assert.Empty(t, res.Profile.Location)
	assert.Equal(t, crawler.GenderUnknown, res.Profile.Gender)
	assert.False(t, res.Profile.CountsKnown)
	require.Len(t, res.Warnings, 1)

	var perr *crawler.ParseError
	require.ErrorAs(t, res.Warnings[0], &perr)
	assert.Equal(t, "follow_counts", perr.Field)
	assert.Empty(t, res.Tasks)
}

func TestProfileEmptyBodyIsProtocolError(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	_, err := in.Profile(crawler.FetchResponse{URL: testBase + "/people/x"}, crawler.PendingFetch{URL: testBase + "/people/x"})
	var perr *crawler.ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestGenderFromMarker(t *testing.T) {
	t.Parallel()

	assert.Equal(t, crawler.GenderFemale, GenderFromMarker("item gender female icon", true))
	assert.Equal(t, crawler.GenderMale, GenderFromMarker("item gender", true))
	assert.Equal(t, crawler.GenderMale, GenderFromMarker("", true))
	assert.Equal(t, crawler.GenderUnknown, GenderFromMarker("", false))
}

func TestParseFollowCounts(t *testing.T) {
	t.Parallel()

	followee, follower, err := ParseFollowCounts([]string{"150", " 2300 "})
	require.NoError(t, err)
	assert.Equal(t, 150, followee)
	assert.Equal(t, 2300, follower)

	_, _, err = ParseFollowCounts([]string{"150"})
	require.ErrorIs(t, err, errTooFewCounters)
	_, _, err = ParseFollowCounts([]string{"x", "1"})
	require.Error(t, err)
	_, _, err = ParseFollowCounts([]string{"1", "-4"})
	require.Error(t, err)
}

func relationPage(label string, members int, descriptor string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="zm-profile-section-wrap">`)
	if label != "" {
		fmt.Fprintf(&b, `<span class="zm-profile-section-name">%s</span>`, label)
	}
	if descriptor != "" {
		fmt.Fprintf(&b, `<div class="zh-general-list clearfix" data-init='%s'>`, descriptor)
	} else {
		b.WriteString(`<div class="zh-general-list clearfix">`)
	}
	for i := range members {
		fmt.Fprintf(&b, `<div class="zm-profile-card"><a class="zg-link author-link" href="/people/u%d">u%d</a></div>`, i, i)
	}
	b.WriteString(`</div></div></body></html>`)
	return b.String()
}

const testDescriptor = `{"params":{"offset":0,"order_by":"created","hash_id":"abc123"},"nodename":"ProfileFolloweesListV2"}`

func relationTask() crawler.PendingFetch {
	return crawler.PendingFetch{
		Purpose:   crawler.PurposeRelation,
		URL:       testBase + "/people/luteng0601/followees",
		Scope:     "s1",
		OwnerID:   "luteng0601",
		Direction: crawler.DirectionFollowee,
	}
}

func TestRelationFirstPageWithPagination(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := relationTask()
	body := relationPage("Following 45 people", 20, testDescriptor)
	res, err := in.Relation(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(body)}, task, "tok")
	require.NoError(t, err)
	require.Empty(t, res.Warnings)

	require.NotNil(t, res.Relation)
	assert.Equal(t, "luteng0601", res.Relation.OwnerID)
	assert.Equal(t, crawler.DirectionFollowee, res.Relation.Direction)
	require.Len(t, res.Relation.MemberIDs, 20)
	assert.Equal(t, "u0", res.Relation.MemberIDs[0])

	var incremental, profiles []crawler.PendingFetch
	for _, tk := range res.Tasks {
		switch tk.Purpose {
		case crawler.PurposeIncremental:
			incremental = append(incremental, tk)
		case crawler.PurposeProfile:
			profiles = append(profiles, tk)
		}
	}
	require.Len(t, profiles, 20)
	require.Len(t, incremental, 2)

	for idx, tk := range incremental {
		wantOffset := (idx + 1) * 20
		assert.Equal(t, testBase+"/node/ProfileFolloweesListV2", tk.URL)
		assert.Equal(t, http.MethodPost, tk.Method)
		assert.Equal(t, crawler.PriorityHigh, tk.Priority)
		assert.Equal(t, wantOffset, tk.Cursor)
		assert.Equal(t, "luteng0601", tk.OwnerID)
		assert.Equal(t, crawler.DirectionFollowee, tk.Direction)
		assert.Equal(t, task.URL, tk.Headers.Get("Referer"))
		assert.Equal(t, "s1", tk.Scope)

		form, err := url.ParseQuery(tk.Body)
		require.NoError(t, err)
		assert.Equal(t, "next", form.Get("method"))
		assert.Equal(t, "tok", form.Get("_xsrf"))
		var params map[string]any
		require.NoError(t, json.Unmarshal([]byte(form.Get("params")), &params))
		assert.InDelta(t, float64(wantOffset), params["offset"], 0)
		assert.Equal(t, "abc123", params["hash_id"])
		assert.Equal(t, "created", params["order_by"])
	}
	assert.NotEqual(t, incremental[0].Key(), incremental[1].Key())
}

func TestRelationZeroCountEmitsNothing(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := relationTask()
	body := relationPage("Following 0 people", 0, testDescriptor)
	res, err := in.Relation(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(body)}, task, "tok")
	require.NoError(t, err)
	assert.Nil(t, res.Relation)
	assert.Empty(t, res.Tasks)
}

func TestRelationCountFallsBackToLinks(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := relationTask()
	body := relationPage("", 3, testDescriptor)
	res, err := in.Relation(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(body)}, task, "tok")
	require.NoError(t, err)
	require.NotNil(t, res.Relation)
	assert.Len(t, res.Relation.MemberIDs, 3)
	assert.Len(t, res.Tasks, 3)
}

func TestRelationMissingDescriptor(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := relationTask()
	body := relationPage("Following 45 people", 20, "")
	res, err := in.Relation(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(body)}, task, "tok")
	require.NoError(t, err)
	require.NotNil(t, res.Relation)
	assert.Len(t, res.Relation.MemberIDs, 20)
	assert.Len(t, res.Tasks, 20)
	for _, tk := range res.Tasks {
		assert.Equal(t, crawler.PurposeProfile, tk.Purpose)
	}
	require.Len(t, res.Warnings, 1)
	require.ErrorIs(t, res.Warnings[0], errMissingDescriptor)
}

func TestRelationOwnerFallsBackToAddress(t *testing.T) {
	t.Parallel()

	owner, direction := relationOwner(crawler.PendingFetch{URL: testBase + "/people/someone/followers"})
	assert.Equal(t, "someone", owner)
	assert.Equal(t, crawler.DirectionFollower, direction)
}

func TestTotalFromLabel(t *testing.T) {
	t.Parallel()

	n, ok := TotalFromLabel("关注了 45 人")
	require.True(t, ok)
	assert.Equal(t, 45, n)

	_, ok = TotalFromLabel("nobody")
	assert.False(t, ok)
}

func TestIncrementalOffsets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []int{20, 40}, IncrementalOffsets(45, 20))
	assert.Empty(t, IncrementalOffsets(20, 20))
	assert.Empty(t, IncrementalOffsets(0, 20))
	assert.Empty(t, IncrementalOffsets(10, 0))

	for total := 1; total <= 200; total++ {
		pages := (total + 19) / 20
		assert.Len(t, IncrementalOffsets(total, 20), pages-1, "total=%d", total)
	}
}

func TestIncrementalExtractsMembers(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	payload := map[string]any{
		"r": 0,
		"msg": []string{
			`<div class="zm-profile-card"><a class="zg-link author-link" href="/people/alpha">Alpha</a></div>`,
			`<div class="zm-profile-card"><span>deleted account</span></div>`,
			`<div class="zm-profile-card"><a class="zg-link author-link" href="https://www.zhihu.com/people/beta">Beta</a></div>`,
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	task := crawler.PendingFetch{
		Purpose:   crawler.PurposeIncremental,
		URL:       testBase + "/node/ProfileFollowersListV2",
		Headers:   http.Header{"Referer": {testBase + "/people/luteng0601/followers"}},
		Scope:     "s1",
		Cursor:    20,
		OwnerID:   "luteng0601",
		Direction: crawler.DirectionFollower,
	}
	res, err := in.Incremental(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: body}, task)
	require.NoError(t, err)
	require.NotNil(t, res.Relation)
	assert.Equal(t, []string{"alpha", "beta"}, res.Relation.MemberIDs)
	assert.Equal(t, "luteng0601", res.Relation.OwnerID)
	assert.Equal(t, crawler.DirectionFollower, res.Relation.Direction)
	require.Len(t, res.Tasks, 2)
	assert.Equal(t, testBase+"/people/alpha", res.Tasks[0].URL)
	assert.Equal(t, crawler.PurposeProfile, res.Tasks[0].Purpose)
	assert.Equal(t, crawler.PriorityNormal, res.Tasks[0].Priority)
}

func TestIncrementalRejectsBadPayload(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := crawler.PendingFetch{URL: testBase + "/node/X"}
	var perr *crawler.ProtocolError

	_, err := in.Incremental(crawler.FetchResponse{URL: task.URL, Body: []byte("<html>")}, task)
	require.ErrorAs(t, err, &perr)

	_, err = in.Incremental(crawler.FetchResponse{URL: task.URL, Body: []byte(`{"r":1,"msg":[]}`)}, task)
	require.ErrorAs(t, err, &perr)
}

func TestProfileNicknameIgnoresNestedMarkup(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div class="title-section"><span class="name">Lu Teng<span class="badge">Verified</span></span></div>
</body></html>`
	in := newTestInterpreter(t)
	task := crawler.PendingFetch{URL: testBase + "/people/luteng0601"}
	res, err := in.Profile(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(page)}, task)
	require.NoError(t, err)
	require.NotNil(t, res.Profile)
	assert.Equal(t, "Lu Teng", res.Profile.Nickname)
}

func TestRelationFollowersPageWithChineseLabel(t *testing.T) {
	t.Parallel()

	in := newTestInterpreter(t)
	task := crawler.PendingFetch{
		Purpose:   crawler.PurposeRelation,
		URL:       testBase + "/people/luteng0601/followers",
		OwnerID:   "luteng0601",
		Direction: crawler.DirectionFollower,
	}
	descriptor := `{"nodename":"ProfileFollowersListV2","params":{"offset":0,"hash_id":"abc","user_id":9007199254740993}}`
	body := relationPage("共 45 人关注", 20, descriptor)
	res, err := in.Relation(crawler.FetchResponse{URL: task.URL, StatusCode: 200, Body: []byte(body)}, task, "tok")
	require.NoError(t, err)
	require.NotNil(t, res.Relation)
	assert.Equal(t, crawler.DirectionFollower, res.Relation.Direction)
	assert.Len(t, res.Relation.MemberIDs, 20)

	var offsets []int
	for _, tk := range res.Tasks {
		if tk.Purpose != crawler.PurposeIncremental {
			continue
		}
		offsets = append(offsets, tk.Cursor)
		assert.Equal(t, crawler.DirectionFollower, tk.Direction)

		form, err := url.ParseQuery(tk.Body)
		require.NoError(t, err)
		raw := form.Get("params")
		assert.Contains(t, raw, `"user_id":9007199254740993`)

		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		var params map[string]any
		require.NoError(t, dec.Decode(&params))
		assert.Equal(t, json.Number(fmt.Sprint(tk.Cursor)), params["offset"])
		assert.Equal(t, json.Number("9007199254740993"), params["user_id"])
		assert.Equal(t, "abc", params["hash_id"])
	}
	assert.Equal(t, []int{20, 40}, offsets)
}
