// Package ingest turns an uploaded CSV into validated product records.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/ryanuber/go-glob"

	"imagebatch/internal/models"
)

const (
	ColumnProductName = "Product Name"
	ColumnImageURLs   = "Input Image Urls"
)

var (
	ErrMissingColumns = errors.New("csv must have \"Product Name\" and \"Input Image Urls\" columns")

	hostnamePattern = regexp.MustCompile(`^(?i)([a-z\d]([a-z\d-]*[a-z\d])*\.)+[a-z]{2,}$`)
)

type Validator struct {
	allowedDomains []string
}

// NewValidator accepts glob patterns for image hosts; none means any host.
func NewValidator(allowedDomains []string) *Validator {
	if len(allowedDomains) == 0 {
		allowedDomains = []string{"*"}
	}
	return &Validator{allowedDomains: allowedDomains}
}

// Parse reads the CSV and keeps only valid rows. Invalid rows are logged and
// dropped; a file without any valid row is an EmptyBatch.
func (v *Validator) Parse(r io.Reader) ([]models.Record, error) {
	const op = "ingest.Parse"

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, models.NewError(models.KindEmptyBatch, op, errors.New("csv is empty"))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	nameCol, urlsCol := -1, -1
	for i, col := range header {
		switch strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")) {
		case ColumnProductName:
			nameCol = i
		case ColumnImageURLs:
			urlsCol = i
		}
	}
	if nameCol < 0 || urlsCol < 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrMissingColumns)
	}

	var records []models.Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		record, err := v.validateRow(row, nameCol, urlsCol)
		if err != nil {
			log.Printf("csv line %d skipped: %v", line, err)
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, models.NewError(models.KindEmptyBatch, op, errors.New("csv is empty or contains no valid data"))
	}
	return records, nil
}

func (v *Validator) validateRow(row []string, nameCol, urlsCol int) (models.Record, error) {
	if nameCol >= len(row) || urlsCol >= len(row) {
		return models.Record{}, errors.New("missing columns")
	}
	name := strings.TrimSpace(row[nameCol])
	cell := strings.TrimSpace(row[urlsCol])
	if name == "" || cell == "" {
		return models.Record{}, errors.New("product name or image urls missing")
	}

	var urls []string
	for _, raw := range strings.Split(cell, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := v.NormalizeURL(raw)
		if err != nil {
			return models.Record{}, err
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return models.Record{}, errors.New("no image urls")
	}

	return models.Record{ProductName: name, ImageURLs: urls}, nil
}

// NormalizeURL validates an image URL, defaulting the scheme to https, and
// checks its host against the allowlist.
func (v *Validator) NormalizeURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid url %q: unsupported scheme", raw)
	}

	host := u.Hostname()
	if net.ParseIP(host).To4() == nil && !hostnamePattern.MatchString(host) {
		return "", fmt.Errorf("invalid url %q: bad host", raw)
	}
	if !v.allowed(host) {
		return "", fmt.Errorf("host %q is not allowed", host)
	}
	return u.String(), nil
}

func (v *Validator) allowed(host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range v.allowedDomains {
		if glob.Glob(strings.ToLower(pattern), host) {
			return true
		}
	}
	return false
}

// ValidateWebhookURL accepts an empty value or an absolute http(s) URL.
func ValidateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", raw)
	}
	return nil
}
