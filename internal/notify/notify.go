// Package notify tells the outside world that a request reached a terminal
// state: an HTTP webhook chosen by the submitter and an optional Kafka topic.
// Delivery is best effort and never changes the request.
package notify

import "imagebatch/internal/models"

type ProductSummary struct {
	ProductName     string               `json:"productName"`
	Status          models.ProductStatus `json:"status"`
	InputImageURLs  []string             `json:"inputImageUrls"`
	OutputImageURLs []string             `json:"outputImageUrls"`
}

type Payload struct {
	RequestID string               `json:"requestId"`
	Status    models.RequestStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
	Products  []ProductSummary     `json:"products"`
}

// NewPayload summarizes a terminal request. Failed images have no output and
// are left out of OutputImageURLs.
func NewPayload(req models.Request) Payload {
	payload := Payload{
		RequestID: req.ID,
		Status:    req.Status,
		Error:     req.Error,
		Products:  make([]ProductSummary, 0, len(req.Results)),
	}
	for _, res := range req.Results {
		summary := ProductSummary{
			ProductName:     res.ProductName,
			Status:          res.Status,
			InputImageURLs:  append([]string{}, res.ImageURLs...),
			OutputImageURLs: []string{},
		}
		for _, o := range res.Outcomes {
			if o.Status == models.ImageSuccess {
				summary.OutputImageURLs = append(summary.OutputImageURLs, o.OutputRef)
			}
		}
		payload.Products = append(payload.Products, summary)
	}
	return payload
}
