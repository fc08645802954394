package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/dgjiede/alispider/internal/storage"
)

const maxKeywordPage = 500

// Platform tip strings embedded in the rank HTML fragment.
const (
	rateLimitMarker = "查询太频繁"
	noMatchMarker   = "无匹配结果"
)

var productIDPattern = regexp.MustCompile(`id=(\d+)`)
var digitsPattern = regexp.MustCompile(`\d+`)

// nextPage applies the shared pagination rule: another page exists while
// ceil(total/size) exceeds the current page. Returns 0 when exhausted.
func nextPage(page, size, total int) int {
	if int(math.Ceil(float64(total)/float64(size))) > page {
		return page + 1
	}
	return 0
}

// decodeJSON unmarshals an expected-JSON body. A body that is actually an
// HTML page means the session expired and the platform served a login
// redirect instead of data.
func decodeJSON(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		if bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
			return ErrSessionInvalid
		}
		return err
	}
	return nil
}

type wireProduct struct {
	ID                 int64       `json:"id"`
	RedModel           string      `json:"redModel"`
	Subject            string      `json:"subject"`
	Keywords           string      `json:"keywords"`
	OwnerMemberName    string      `json:"ownerMemberName"`
	ModifyTime         json.Number `json:"modifyTime"`
	IsWindowProduct    bool        `json:"isWindowProduct"`
	MappedToYdtProduct bool        `json:"mappedToYdtProduct"`
}

type wireProductPage struct {
	Products    []wireProduct `json:"products"`
	CurrentPage int           `json:"currentPage"`
	Count       int           `json:"count"`
}

// ParseProductPage decodes one product listing page. Returns the parsed
// products and the next page number, 0 when this was the last page.
func ParseProductPage(body []byte, now time.Time) ([]storage.Product, int, error) {
	var page wireProductPage
	if err := decodeJSON(body, &page); err != nil {
		if err == ErrSessionInvalid {
			return nil, 0, err
		}
		return nil, 0, &ParseError{Kind: "product", Reason: "malformed listing payload", Err: err}
	}

	products := make([]storage.Product, 0, len(page.Products))
	for _, item := range page.Products {
		millis, err := item.ModifyTime.Int64()
		if err != nil {
			return nil, 0, &ParseError{Kind: "product", Key: fmt.Sprintf("%d", item.ID),
				Reason: "bad modify time", Err: err}
		}
		var keywords []string
		for _, kw := range strings.Split(item.Keywords, ",") {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		products = append(products, storage.Product{
			ID:              item.ID,
			StyleNo:         item.RedModel,
			Title:           item.Subject,
			Keywords:        keywords,
			Owner:           item.OwnerMemberName,
			ModifyTime:      time.UnixMilli(millis),
			IsWindowProduct: item.IsWindowProduct,
			IsTradeProduct:  item.MappedToYdtProduct,
			RefreshedOn:     now,
		})
	}

	return products, nextPage(page.CurrentPage, productPageSize, page.Count), nil
}

type wireKeyword struct {
	Keywords      string `json:"keywords"`
	CompanyCnt    int    `json:"company_cnt"`
	ShowwinCnt    int    `json:"showwin_cnt"`
	RepeatKeyword string `json:"repeatKeyword"`
	IsP4pKeyword  *bool  `json:"isP4pKeyword"`
	YYYYMM        string `json:"yyyymm"`
	storage.SearchVolume
}

type wireKeywordPage struct {
	Successed bool `json:"successed"`
	Value     struct {
		Total int           `json:"total"`
		Data  []wireKeyword `json:"data"`
	} `json:"value"`
}

// ParseKeywordPage decodes one search-volume statistics page. A failed lookup
// or empty result set means the keyword is exhausted: nil records, next page 0,
// no error. The platform publishes each month's stats on the 3rd at 09:00, so
// a record's refresh instant is that publication time one month ahead of the
// reported stats month.
func ParseKeywordPage(body []byte, page int) ([]*storage.Keyword, int, error) {
	var resp wireKeywordPage
	if err := decodeJSON(body, &resp); err != nil {
		if err == ErrSessionInvalid {
			return nil, 0, err
		}
		return nil, 0, &ParseError{Kind: "keyword", Reason: "malformed statistics payload", Err: err}
	}

	if !resp.Successed || len(resp.Value.Data) == 0 {
		return nil, 0, nil
	}

	keywords := make([]*storage.Keyword, 0, len(resp.Value.Data))
	for _, item := range resp.Value.Data {
		refreshedAt, err := time.Parse("20060102 15", item.YYYYMM+"03 09")
		if err != nil {
			return nil, 0, &ParseError{Kind: "keyword", Key: item.Keywords,
				Reason: "bad stats month", Err: err}
		}
		keywords = append(keywords, &storage.Keyword{
			Value:         Normalize(item.Keywords),
			RepeatKeyword: item.RepeatKeyword,
			CompanyCount:  item.CompanyCnt,
			ShowcaseCount: item.ShowwinCnt,
			Volume:        item.SearchVolume,
			Promoted:      item.IsP4pKeyword,
			RefreshedAt:   refreshedAt.AddDate(0, 1, 0),
		})
	}

	next := nextPage(page, keywordPageSize, resp.Value.Total)
	if next > maxKeywordPage {
		next = 0
	}
	return keywords, next, nil
}

// ParseRankPage extracts the rank snapshot from the search-result HTML
// fragment. A no-match tip yields a snapshot with zero entries, which is
// still persisted: the keyword was checked and nothing ranks for it. The
// rate-limit tip aborts the whole run. overflowIDs lists products whose row
// number spilled past the two-decimal position encoding.
func ParseRankPage(body []byte, keyword string, now time.Time) (*storage.Rank, []int64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, &ParseError{Kind: "rank", Key: keyword, Reason: "unreadable fragment", Err: err}
	}

	if strings.Contains(doc.Find(".search-result").Text(), rateLimitMarker) {
		return nil, nil, ErrRateLimited
	}

	rank := &storage.Rank{Keyword: keyword, Entries: []storage.RankEntry{}, RefreshedOn: now}

	// The table id misspelling is the platform's own.
	rows := doc.Find("#rank-searech-table > tbody > tr")
	if strings.Contains(rows.Text(), noMatchMarker) {
		return rank, nil, nil
	}

	var overflowIDs []int64
	var parseErr error
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		href, ok := row.Find("td:nth-of-type(1) > a").Attr("href")
		if !ok {
			parseErr = &ParseError{Kind: "rank", Key: keyword, Reason: "row without product link"}
			return false
		}
		idMatch := productIDPattern.FindStringSubmatch(href)
		if idMatch == nil {
			parseErr = &ParseError{Kind: "rank", Key: keyword, Reason: "product link without id"}
			return false
		}
		productID, err := strconv.ParseInt(idMatch[1], 10, 64)
		if err != nil {
			parseErr = &ParseError{Kind: "rank", Key: keyword, Reason: "bad product id", Err: err}
			return false
		}

		rankText := strings.TrimSpace(row.Find("td:nth-of-type(2) > a").Text())
		numbers := digitsPattern.FindAllString(rankText, -1)
		if len(numbers) < 2 {
			parseErr = &ParseError{Kind: "rank", Key: keyword,
				Reason: fmt.Sprintf("unparseable rank text %q", rankText)}
			return false
		}
		pageNo, _ := strconv.ParseFloat(numbers[0], 64)
		rowNo, _ := strconv.ParseFloat(numbers[1], 64)
		if rowNo >= 100 {
			overflowIDs = append(overflowIDs, productID)
		}

		rank.Entries = append(rank.Entries, storage.RankEntry{
			ProductID: productID,
			Position:  math.Round((pageNo+rowNo/100)*100) / 100,
		})
		return true
	})
	if parseErr != nil {
		return nil, nil, parseErr
	}

	return rank, overflowIDs, nil
}

type wirePromotedKeyword struct {
	Keyword string `json:"keyword"`
	QsStar  int    `json:"qsStar"`
	State   string `json:"state"`
	Tag     string `json:"tag"`
}

type wirePromotedPage struct {
	TotalPage   int                   `json:"totalPage"`
	CurrentPage int                   `json:"currentPage"`
	Data        []wirePromotedKeyword `json:"data"`
}

// ParsePromotedKeywordPage decodes one P4P listing page. Keyword text arrives
// HTML-escaped and is unescaped here.
func ParsePromotedKeywordPage(body []byte) ([]storage.PromotedKeyword, int, error) {
	var page wirePromotedPage
	if err := decodeJSON(body, &page); err != nil {
		if err == ErrSessionInvalid {
			return nil, 0, err
		}
		return nil, 0, &ParseError{Kind: "p4p", Reason: "malformed listing payload", Err: err}
	}

	records := make([]storage.PromotedKeyword, 0, len(page.Data))
	for _, item := range page.Data {
		records = append(records, storage.PromotedKeyword{
			Keyword:      html.UnescapeString(item.Keyword),
			QualityScore: item.QsStar,
			Active:       item.State == "1",
			Tag:          item.Tag,
		})
	}

	next := 0
	if page.CurrentPage < page.TotalPage {
		next = page.CurrentPage + 1
	}
	return records, next, nil
}

type wireCategoryPage struct {
	Categories []struct {
		EnName string `json:"enName"`
	} `json:"categories"`
}

// ParseCategoryResponse decodes the recommended category lookup. A payload
// without the categories field is malformed; the caller skips the keyword.
func ParseCategoryResponse(body []byte, keyword string) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(body, &raw); err != nil {
		if err == ErrSessionInvalid {
			return nil, err
		}
		return nil, &ParseError{Kind: "category", Key: keyword, Reason: "malformed payload", Err: err}
	}
	if _, ok := raw["categories"]; !ok {
		return nil, &ParseError{Kind: "category", Key: keyword, Reason: "missing categories field"}
	}

	var page wireCategoryPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &ParseError{Kind: "category", Key: keyword, Reason: "malformed categories", Err: err}
	}

	categories := make([]string, 0, len(page.Categories))
	for _, c := range page.Categories {
		categories = append(categories, c.EnName)
	}
	return categories, nil
}
