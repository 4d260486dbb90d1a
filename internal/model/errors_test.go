package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIError_Error_IncludesCodeAndMessage(t *testing.T) {
	err := NewValidationError("Message is required")

	want := "[VALIDATION_ERROR] Message is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestAPIError_ErrorsAs_ThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("relay: %w", NewUpstreamError("Failed to analyze image"))

	var apiErr *APIError
	if !errors.As(wrapped, &apiErr) {
		t.Fatal("errors.As should find *APIError in wrapped error")
	}
	if apiErr.Code != ErrCodeUpstream {
		t.Errorf("Code = %q, want %q", apiErr.Code, ErrCodeUpstream)
	}
	if apiErr.Category != "upstream" {
		t.Errorf("Category = %q, want %q", apiErr.Category, "upstream")
	}
}

func TestConstructors_SetExpectedCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		code string
	}{
		{"validation", NewValidationError("x"), ErrCodeValidation},
		{"upstream", NewUpstreamError("x"), ErrCodeUpstream},
		{"unauthorized", NewUnauthorizedError(), ErrCodeUnauthorized},
		{"forbidden", NewForbiddenError(), ErrCodeForbidden},
		{"payload too large", NewPayloadTooLargeError(), ErrCodePayloadTooLarge},
		{"rate limited", NewRateLimitedError(), ErrCodeRateLimited},
		{"internal", NewInternalError(), ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message should not be empty")
			}
		})
	}
}

func TestLogType_IsKnown(t *testing.T) {
	tests := []struct {
		logType LogType
		want    bool
	}{
		{LogTypeFood, true},
		{LogTypeActivity, true},
		{LogType("sleep"), false},
		{LogType(""), false},
	}

	for _, tt := range tests {
		if got := tt.logType.IsKnown(); got != tt.want {
			t.Errorf("LogType(%q).IsKnown() = %v, want %v", tt.logType, got, tt.want)
		}
	}
}
