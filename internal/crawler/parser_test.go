package crawler

import (
	"errors"
	"testing"
	"time"
)

func TestParseProductPagePagination(t *testing.T) {
	now := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)

	body := []byte(`{
		"products": [{
			"id": 101,
			"redModel": "JD-001",
			"subject": "USB Cable",
			"keywords": "usb cable, charging cable ,data cable",
			"ownerMemberName": "alice",
			"modifyTime": 1756500000000,
			"isWindowProduct": true,
			"mappedToYdtProduct": false
		}],
		"currentPage": 1,
		"count": 120
	}`)

	products, next, err := ParseProductPage(body, now)
	if err != nil {
		t.Fatalf("ParseProductPage returned error: %v", err)
	}
	if next != 2 {
		t.Errorf("expected next page 2 for 120 records at page 1, got %d", next)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}

	p := products[0]
	if p.ID != 101 || p.StyleNo != "JD-001" || p.Owner != "alice" {
		t.Errorf("product fields wrong: %+v", p)
	}
	if len(p.Keywords) != 3 || p.Keywords[1] != "charging cable" {
		t.Errorf("keywords not split and trimmed: %v", p.Keywords)
	}
	if !p.IsWindowProduct || p.IsTradeProduct {
		t.Errorf("product flags wrong: %+v", p)
	}
	if !p.RefreshedOn.Equal(now) {
		t.Errorf("refresh date not stamped: %v", p.RefreshedOn)
	}

	// 120 records at 50 per page end on page 3.
	lastPage := []byte(`{"products": [], "currentPage": 3, "count": 120}`)
	_, next, err = ParseProductPage(lastPage, now)
	if err != nil {
		t.Fatalf("ParseProductPage returned error: %v", err)
	}
	if next != 0 {
		t.Errorf("expected pagination to stop at page 3, got next %d", next)
	}
}

func TestParseProductPageLoginRedirect(t *testing.T) {
	body := []byte(`<!DOCTYPE html><html><body>login</body></html>`)
	_, _, err := ParseProductPage(body, time.Now())
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid for HTML body, got %v", err)
	}
}

func TestParseKeywordPageExhaustion(t *testing.T) {
	failed := []byte(`{"successed": false, "value": {"total": 0, "data": []}}`)
	records, next, err := ParseKeywordPage(failed, 1)
	if err != nil {
		t.Fatalf("ParseKeywordPage returned error: %v", err)
	}
	if records != nil || next != 0 {
		t.Errorf("failed lookup should exhaust the keyword, got %v next %d", records, next)
	}

	empty := []byte(`{"successed": true, "value": {"total": 40, "data": []}}`)
	records, next, err = ParseKeywordPage(empty, 2)
	if err != nil {
		t.Fatalf("ParseKeywordPage returned error: %v", err)
	}
	if records != nil || next != 0 {
		t.Errorf("empty page should exhaust the keyword, got %v next %d", records, next)
	}
}

func TestParseKeywordPageRecords(t *testing.T) {
	body := []byte(`{
		"successed": true,
		"value": {
			"total": 25,
			"data": [{
				"keywords": "USB  Cable",
				"company_cnt": 42,
				"showwin_cnt": 7,
				"repeatKeyword": "usb cables",
				"isP4pKeyword": true,
				"yyyymm": "202607",
				"srh_pv_this_mon": 1200,
				"srh_pv_last_1mon": 1100,
				"srh_pv_last_11mon": 300
			}]
		}
	}`)

	records, next, err := ParseKeywordPage(body, 2)
	if err != nil {
		t.Fatalf("ParseKeywordPage returned error: %v", err)
	}
	if next != 3 {
		t.Errorf("expected next page 3 for 25 records at page 2, got %d", next)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	kw := records[0]
	if kw.Value != "usb cable" {
		t.Errorf("keyword not normalized: %q", kw.Value)
	}
	if kw.CompanyCount != 42 || kw.ShowcaseCount != 7 || kw.Volume.ThisMonth != 1200 {
		t.Errorf("stats wrong: %+v", kw)
	}
	if kw.Promoted == nil || !*kw.Promoted {
		t.Errorf("promoted flag lost: %v", kw.Promoted)
	}

	// Stats for 2026-07 publish on the 3rd at 09:00 one month later.
	want := time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)
	if !kw.RefreshedAt.Equal(want) {
		t.Errorf("expected refresh instant %v, got %v", want, kw.RefreshedAt)
	}
}

func TestParseKeywordPagePromotedUnknown(t *testing.T) {
	body := []byte(`{
		"successed": true,
		"value": {
			"total": 1,
			"data": [{
				"keywords": "hdmi cable",
				"company_cnt": 1,
				"showwin_cnt": 0,
				"yyyymm": "202607",
				"srh_pv_this_mon": 10
			}]
		}
	}`)

	records, _, err := ParseKeywordPage(body, 1)
	if err != nil {
		t.Fatalf("ParseKeywordPage returned error: %v", err)
	}
	if records[0].Promoted != nil {
		t.Errorf("absent promoted flag should stay unknown, got %v", *records[0].Promoted)
	}
}

func TestParseKeywordPageCap(t *testing.T) {
	body := []byte(`{
		"successed": true,
		"value": {
			"total": 100000,
			"data": [{"keywords": "x", "company_cnt": 0, "showwin_cnt": 0, "yyyymm": "202607"}]
		}
	}`)

	_, next, err := ParseKeywordPage(body, maxKeywordPage)
	if err != nil {
		t.Fatalf("ParseKeywordPage returned error: %v", err)
	}
	if next != 0 {
		t.Errorf("pagination must stop at page %d, got next %d", maxKeywordPage, next)
	}
}

const rankHTMLTemplate = `
<div class="search-result"></div>
<table id="rank-searech-table"><tbody>
<tr>
  <td><a href="http://www.example.com/product/detail.html?id=12345">one</a></td>
  <td><a> 3 05 </a></td>
  <td><span></span></td>
</tr>
<tr>
  <td><a href="http://www.example.com/product/detail.html?id=67890">two</a></td>
  <td><a> 12 100 </a></td>
  <td><span></span></td>
</tr>
</tbody></table>`

func TestParseRankPagePositions(t *testing.T) {
	now := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	rank, overflowIDs, err := ParseRankPage([]byte(rankHTMLTemplate), "usb cable", now)
	if err != nil {
		t.Fatalf("ParseRankPage returned error: %v", err)
	}
	if len(rank.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(rank.Entries))
	}

	if rank.Entries[0].ProductID != 12345 || rank.Entries[0].Position != 3.05 {
		t.Errorf("entry 0 wrong: %+v", rank.Entries[0])
	}

	// Row 100 of page 12 computes to 13.00 and is flagged as overflow.
	if rank.Entries[1].ProductID != 67890 || rank.Entries[1].Position != 13.00 {
		t.Errorf("entry 1 wrong: %+v", rank.Entries[1])
	}
	if len(overflowIDs) != 1 || overflowIDs[0] != 67890 {
		t.Errorf("overflow not flagged: %v", overflowIDs)
	}
}

func TestParseRankPageNoMatch(t *testing.T) {
	body := []byte(`
<table id="rank-searech-table"><tbody>
<tr><td>无匹配结果</td></tr>
</tbody></table>`)

	rank, _, err := ParseRankPage(body, "usb cable", time.Now())
	if err != nil {
		t.Fatalf("ParseRankPage returned error: %v", err)
	}
	if rank == nil {
		t.Fatal("no-match must still produce a snapshot")
	}
	if len(rank.Entries) != 0 {
		t.Errorf("expected empty entries, got %v", rank.Entries)
	}
	if rank.RefreshedOn.IsZero() {
		t.Error("no-match snapshot must carry the refresh date")
	}
}

func TestParseRankPageRateLimited(t *testing.T) {
	body := []byte(`<div class="search-result">查询太频繁，请明日再试！</div>`)
	_, _, err := ParseRankPage(body, "usb cable", time.Now())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestParsePromotedKeywordPage(t *testing.T) {
	body := []byte(`{
		"totalPage": 3,
		"currentPage": 2,
		"data": [
			{"keyword": "usb cable &amp; adapter", "qsStar": 4, "state": "1", "tag": "core"},
			{"keyword": "hdmi cable", "qsStar": 2, "state": "0", "tag": ""}
		]
	}`)

	records, next, err := ParsePromotedKeywordPage(body)
	if err != nil {
		t.Fatalf("ParsePromotedKeywordPage returned error: %v", err)
	}
	if next != 3 {
		t.Errorf("expected next page 3, got %d", next)
	}
	if records[0].Keyword != "usb cable & adapter" {
		t.Errorf("keyword not unescaped: %q", records[0].Keyword)
	}
	if !records[0].Active || records[1].Active {
		t.Errorf("active flags wrong: %+v", records)
	}

	lastPage := []byte(`{"totalPage": 3, "currentPage": 3, "data": []}`)
	_, next, err = ParsePromotedKeywordPage(lastPage)
	if err != nil {
		t.Fatalf("ParsePromotedKeywordPage returned error: %v", err)
	}
	if next != 0 {
		t.Errorf("expected pagination to stop on the last page, got next %d", next)
	}
}

func TestParseCategoryResponse(t *testing.T) {
	body := []byte(`{"categories": [{"enName": "Consumer Electronics"}, {"enName": "Cables"}]}`)
	categories, err := ParseCategoryResponse(body, "usb cable")
	if err != nil {
		t.Fatalf("ParseCategoryResponse returned error: %v", err)
	}
	if len(categories) != 2 || categories[1] != "Cables" {
		t.Errorf("categories wrong: %v", categories)
	}

	var parseErr *ParseError
	_, err = ParseCategoryResponse([]byte(`{"error": "x"}`), "usb cable")
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for missing categories field, got %v", err)
	}
}
