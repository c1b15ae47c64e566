package gcp

import (
	"context"
	"fmt"

	dlp "cloud.google.com/go/dlp/apiv2"
)

// DefaultPIIInfoTypes are the Cloud DLP info types inspected when none are configured.
var DefaultPIIInfoTypes = []string{
	"US_SOCIAL_SECURITY_NUMBER",
	"PERSON_NAME",
	"STREET_ADDRESS",
}

// NewDLPClient creates a Cloud DLP client. Callers own Close.
func NewDLPClient(ctx context.Context, projectID string) (*dlp.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("NewDLPClient: projectID cannot be empty")
	}
	client, err := dlp.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlp.NewClient: %w", err)
	}
	return client, nil
}
