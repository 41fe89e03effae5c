package fhir

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clindata/fhirbridge/pkg/pagination"
)

// Bundle interaction types accepted by the transaction processor.
const (
	BundleTypeTransaction         = "transaction"
	BundleTypeBatch               = "batch"
	BundleTypeMessage             = "message"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeHistory             = "history"
	BundleTypeSearchset           = "searchset"
)

// Bundle is the wire form of a FHIR Bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource map[string]any  `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleRequest struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	IfNoneExist string `json:"ifNoneExist,omitempty"`
	IfMatch     string `json:"ifMatch,omitempty"`
}

type BundleResponse struct {
	Status       string         `json:"status"`
	Location     string         `json:"location,omitempty"`
	Etag         string         `json:"etag,omitempty"`
	LastModified *time.Time     `json:"lastModified,omitempty"`
	Outcome      map[string]any `json:"outcome,omitempty"`
}

// ETag renders a version sequence as a weak validator, the same form the
// ETag response header carries.
func ETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// IsPlaceholder reports whether a fullUrl or reference is a urn:uuid
// placeholder that only has meaning inside its enclosing bundle.
func IsPlaceholder(url string) bool {
	return strings.HasPrefix(url, "urn:uuid:")
}

// NewSearchsetBundle wraps search results. baseURL is the server root used
// for fullUrl and paging links.
func NewSearchsetBundle(baseURL, resourceType string, results []*Result, total int, page pagination.Params, params map[string]string) *Bundle {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeSearchset,
		Timestamp:    &now,
		Total:        &total,
	}
	b.Link = pagingLinks(fmt.Sprintf("%s/%s", baseURL, resourceType), params, total, page)
	for _, r := range results {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s", baseURL, resourceType, r.ID),
			Resource: r.Resource,
		})
	}
	return b
}

// NewHistoryBundle wraps a version chain, newest first. Deleted versions
// carry a request/response pair instead of a resource body.
func NewHistoryBundle(baseURL, resourceType, id string, results []*Result, total int) *Bundle {
	now := time.Now().UTC()
	b := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeHistory,
		Timestamp:    &now,
		Total:        &total,
		Link: []BundleLink{
			{Relation: "self", URL: fmt.Sprintf("%s/%s/%s/_history", baseURL, resourceType, id)},
		},
	}
	for _, r := range results {
		entry := BundleEntry{
			FullURL: fmt.Sprintf("%s/%s/%s", baseURL, resourceType, r.ID),
			Request: &BundleRequest{
				Method: methodForVersion(r),
				URL:    fmt.Sprintf("%s/%s", resourceType, r.ID),
			},
			Response: &BundleResponse{
				Status:       StatusLine(statusForVersion(r)),
				Etag:         ETag(r.VersionID),
				LastModified: &r.LastModified,
			},
		}
		if !r.Deleted {
			entry.Resource = r.Resource
		}
		b.Entry = append(b.Entry, entry)
	}
	return b
}

func methodForVersion(r *Result) string {
	switch {
	case r.Deleted:
		return "DELETE"
	case r.Created:
		return "POST"
	default:
		return "PUT"
	}
}

func statusForVersion(r *Result) int {
	switch {
	case r.Deleted:
		return 204
	case r.Created:
		return 201
	default:
		return 200
	}
}

func pagingLinks(selfURL string, params map[string]string, total int, page pagination.Params) []BundleLink {
	query := func(off int) string {
		parts := make([]string, 0, len(params)+2)
		for k, v := range params {
			parts = append(parts, fmt.Sprintf("%s=%s", k, v))
		}
		parts = append(parts, fmt.Sprintf("_count=%d", page.Count), fmt.Sprintf("_offset=%d", off))
		return selfURL + "?" + strings.Join(parts, "&")
	}
	links := []BundleLink{{Relation: "self", URL: query(page.Offset)}}
	if page.HasNext(total) {
		links = append(links, BundleLink{Relation: "next", URL: query(page.NextOffset())})
	}
	if page.HasPrevious() {
		links = append(links, BundleLink{Relation: "previous", URL: query(page.PreviousOffset())})
	}
	return links
}
