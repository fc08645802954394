package crawler

import (
	"fmt"
	"net/url"
)

const (
	productListURL   = "http://hz-productposting.alibaba.com/product/managementproducts/asyQueryProductsList.do"
	productManageURL = "http://hz-productposting.alibaba.com/product/products_manage.htm"
	postingURL       = "http://hz-productposting.alibaba.com/product/posting.htm"
	keywordQueryURL  = "http://hz-mydata.alibaba.com/industry/.json"
	keywordPageURL   = "http://hz-mydata.alibaba.com/industry/keywords.htm"
	rankQueryURL     = "http://hz-mydata.alibaba.com/self/.json"
	rankPageURL      = "http://hz-mydata.alibaba.com/self/keyword.htm"
	categoryURL      = "http://hz-productposting.alibaba.com/product/cate/AjaxRecommendPostCategory.htm"
	adKeywordURL     = "http://www2.alibaba.com/asyGetAdKeyword.do"
	adManageURL      = "http://www2.alibaba.com/manage_ad_keyword.htm"

	productPageSize = 50
	keywordPageSize = 10
)

// Request is one prepared platform call. Builders are pure: tokens and page
// cursors come in as arguments, nothing is fetched here.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Form   url.Values
	Header map[string]string
}

// Fingerprint identifies a request for queue deduplication.
func (r *Request) Fingerprint() string {
	return fmt.Sprintf("%s %s?%s %s", r.Method, r.URL, r.Query.Encode(), r.Form.Encode())
}

func ajaxHeaders(host, referer string) map[string]string {
	return map[string]string{
		"Host":             host,
		"Accept":           "application/json, text/javascript, */*; q=0.01",
		"Accept-Language":  "zh-CN,en-US;q=0.7,en;q=0.3",
		"Content-Type":     "application/x-www-form-urlencoded; charset=UTF-8",
		"X-Requested-With": "XMLHttpRequest",
		"Referer":          referer,
		"Connection":       "keep-alive",
	}
}

// NewProductPageRequest builds the product listing query for one page. Only
// approved listings are requested, ordered by modification time so pages are
// stable across the run.
func NewProductPageRequest(csrfToken string, page int) *Request {
	return &Request{
		Method: "POST",
		URL:    productListURL,
		Form: url.Values{
			"_csrf_token_":   {csrfToken},
			"page":           {fmt.Sprintf("%d", page)},
			"size":           {fmt.Sprintf("%d", productPageSize)},
			"status":         {"approved"},
			"statisticsType": {"month"},
			"imageType":      {"all"},
			"displayStatus":  {"all"},
			"repositoryType": {"all"},
			"samplingTag":    {"false"},
			"gmtModified":    {"asc"},
			"marketType":     {"all"},
		},
		Header: ajaxHeaders("hz-productposting.alibaba.com", productManageURL),
	}
}

// NewKeywordQueryRequest builds the search-volume statistics query for one
// page of results related to the given keyword.
func NewKeywordQueryRequest(keyword string, page int) *Request {
	return &Request{
		Method: "POST",
		URL:    keywordQueryURL,
		Query: url.Values{
			"action": {"CommonAction"},
			"iName":  {"searchKeywords"},
		},
		Form: url.Values{
			"keywords":   {keyword},
			"pageSize":   {fmt.Sprintf("%d", keywordPageSize)},
			"pageNO":     {fmt.Sprintf("%d", page)},
			"orderBy":    {"srh_pv_this_mon"},
			"orderModel": {"desc"},
		},
		Header: ajaxHeaders("hz-mydata.alibaba.com", keywordPageURL),
	}
}

// NewRankQueryRequest builds the search-rank lookup for one keyword. The
// response is an HTML fragment, not JSON, despite the endpoint name.
func NewRankQueryRequest(keyword, ctoken, dmtrackPageID string) *Request {
	return &Request{
		Method: "POST",
		URL:    rankQueryURL,
		Query: url.Values{
			"iName":          {"getKeywordSearchProducts"},
			"action":         {"CommonAction"},
			"ctoken":         {ctoken},
			"dmtrack_pageid": {dmtrackPageID},
		},
		Form:   url.Values{"keyword": {keyword}},
		Header: ajaxHeaders("hz-mydata.alibaba.com", rankPageURL),
	}
}

// NewPromotedKeywordPageRequest builds the P4P advertising keyword listing
// query for one page. The endpoint takes its filter set as an embedded JSON
// blob rather than discrete form fields.
func NewPromotedKeywordPageRequest(csrfToken string, page int) *Request {
	blob := fmt.Sprintf(`{"status":"all","cost":"all","click":"all","exposure":"all","cpc":"all",`+
		`"qsStar":"all","kw":"","isExact":"N","date":7,"tagId":-1,"delayShow":false,"recStrategy":1,`+
		`"recType":"recommend","currentPage":%d}`, page)
	return &Request{
		Method: "POST",
		URL:    adKeywordURL,
		Form: url.Values{
			"json":         {blob},
			"_csrf_token_": {csrfToken},
		},
		Header: ajaxHeaders("www2.alibaba.com", adManageURL),
	}
}

// NewCategoryLookupRequest builds the recommended posting category lookup for
// one keyword. timestampMillis is the current time in milliseconds, the cache
// buster the endpoint expects.
func NewCategoryLookupRequest(keyword, ctoken string, timestampMillis int64) *Request {
	return &Request{
		Method: "GET",
		URL:    categoryURL,
		Query: url.Values{
			"keyword":  {keyword},
			"ctoken":   {ctoken},
			"_":        {fmt.Sprintf("%d", timestampMillis)},
			"language": {"en_us"},
		},
		Header: map[string]string{
			"Accept":           "application/json, text/javascript, */*; q=0.01",
			"Accept-Language":  "zh-CN,en-US;q=0.7,en;q=0.3",
			"X-Requested-With": "XMLHttpRequest",
			"Referer":          postingURL,
			"Connection":       "keep-alive",
		},
	}
}
