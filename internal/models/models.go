// internal/models/models.go
package models

import "time"

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// CanTransition allows only forward moves: pending -> processing -> completed|failed.
// A pending request may also fail directly when processing never starts.
func (s RequestStatus) CanTransition(to RequestStatus) bool {
	switch s {
	case RequestPending:
		return to == RequestProcessing || to == RequestFailed
	case RequestProcessing:
		return to == RequestCompleted || to == RequestFailed
	default:
		return false
	}
}

type ImageStatus string

const (
	ImageSuccess ImageStatus = "success"
	ImageFailed  ImageStatus = "failed"
)

type ProductStatus string

const (
	ProductSuccess        ProductStatus = "success"
	ProductPartialFailure ProductStatus = "partial_failure"
	ProductFailed         ProductStatus = "failed"
)

// Record is one validated input row: a product and its source images.
type Record struct {
	ProductName string   `json:"productName" bson:"productName"`
	ImageURLs   []string `json:"imageUrls" bson:"imageUrls"`
}

type ImageOutcome struct {
	SourceURL           string      `json:"sourceUrl" bson:"sourceUrl"`
	Status              ImageStatus `json:"status" bson:"status"`
	OutputRef           string      `json:"outputRef,omitempty" bson:"outputRef,omitempty"`
	OriginalSizeBytes   int64       `json:"originalSizeBytes" bson:"originalSizeBytes"`
	CompressedSizeBytes int64       `json:"compressedSizeBytes" bson:"compressedSizeBytes"`
	Error               string      `json:"error,omitempty" bson:"error,omitempty"`
	ErrorKind           ErrorKind   `json:"errorKind,omitempty" bson:"errorKind,omitempty"`
	Attempts            int         `json:"attempts" bson:"attempts"`
}

type ProductResult struct {
	ProductName string         `json:"productName" bson:"productName"`
	ImageURLs   []string       `json:"imageUrls" bson:"imageUrls"`
	Outcomes    []ImageOutcome `json:"outcomes" bson:"outcomes"`
	Status      ProductStatus  `json:"status" bson:"status"`
}

// ProductStatusOf derives the product status from its image outcomes.
// A product without images has nothing that failed and counts as success.
func ProductStatusOf(outcomes []ImageOutcome) ProductStatus {
	failed := 0
	for _, o := range outcomes {
		if o.Status == ImageFailed {
			failed++
		}
	}
	switch {
	case failed == 0:
		return ProductSuccess
	case failed == len(outcomes):
		return ProductFailed
	default:
		return ProductPartialFailure
	}
}

type Request struct {
	ID                string          `json:"requestId" bson:"_id"`
	Status            RequestStatus   `json:"status" bson:"status"`
	SubmittedAt       time.Time       `json:"submittedAt" bson:"submittedAt"`
	StartedAt         *time.Time      `json:"startedAt,omitempty" bson:"startedAt,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	Products          []Record        `json:"products" bson:"products"`
	Results           []ProductResult `json:"results,omitempty" bson:"results,omitempty"`
	ProcessedProducts int             `json:"processedProducts" bson:"processedProducts"`
	WebhookURL        string          `json:"webhookUrl,omitempty" bson:"webhookUrl,omitempty"`
	Error             string          `json:"error,omitempty" bson:"error,omitempty"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (r Request) Clone() Request {
	out := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Products != nil {
		out.Products = make([]Record, len(r.Products))
		for i, p := range r.Products {
			out.Products[i] = Record{ProductName: p.ProductName, ImageURLs: append([]string(nil), p.ImageURLs...)}
		}
	}
	if r.Results != nil {
		out.Results = make([]ProductResult, len(r.Results))
		for i, res := range r.Results {
			out.Results[i] = ProductResult{
				ProductName: res.ProductName,
				ImageURLs:   append([]string(nil), res.ImageURLs...),
				Outcomes:    append([]ImageOutcome(nil), res.Outcomes...),
				Status:      res.Status,
			}
		}
	}
	return out
}
