package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test structs modeled on the admin HTTP request bodies (see
// internal/transport's createInviteRequest).
type TestInviteRequest struct {
	GroupID  string   `json:"group_id" validate:"required,min=1,max=64"`
	Code     string   `json:"code" validate:"required,min=1,max=64"`
	Roles    []string `json:"roles"`
}

type TestGroupLookupRequest struct {
	Scope   string `json:"scope" validate:"required,min=1,max=100"`
	GroupID string `json:"group_id" validate:"required,uuid"`
}

func TestValidateStruct_Success(t *testing.T) {
	req := TestInviteRequest{
		GroupID: "g1",
		Code:    "welcome",
	}

	err := ValidateStruct(req)
	assert.NoError(t, err)
}

func TestValidateStruct_RequiredFields(t *testing.T) {
	req := TestInviteRequest{
		// Missing required fields
	}

	err := ValidateStruct(req)
	assert.Error(t, err)
}

func TestValidateRequest_Success(t *testing.T) {
	req := TestInviteRequest{
		GroupID: "g1",
		Code:    "welcome",
		Roles:   []string{"admin"},
	}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateRequest_MultipleErrors(t *testing.T) {
	req := TestInviteRequest{
		GroupID: "",
		Code:    "",
	}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)
	assert.Contains(t, errs, "groupid")
	assert.Contains(t, errs, "code")
}

func TestValidateUUID_Valid(t *testing.T) {
	req := TestGroupLookupRequest{
		Scope:   "default",
		GroupID: "123e4567-e89b-12d3-a456-426614174000",
	}

	errs := ValidateRequest(req)
	assert.Nil(t, errs)
}

func TestValidateUUID_Invalid(t *testing.T) {
	invalidUUIDs := []string{
		"not-a-uuid",
		"123456",
		"123e4567-e89b-12d3-a456",
		"",
	}

	for _, uuid := range invalidUUIDs {
		req := TestGroupLookupRequest{
			Scope:   "default",
			GroupID: uuid,
		}

		errs := ValidateRequest(req)
		assert.NotNil(t, errs, "UUID should be invalid: %s", uuid)
		assert.Contains(t, errs, "groupid")
	}
}

func TestValidateMinMax_Strings(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		shouldErr bool
	}{
		{"valid", "welcome", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 65)), true},
		{"min length", "a", false},
		{"max length", string(make([]byte, 64)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := TestInviteRequest{
				GroupID: "g1",
				Code:    tt.value,
			}

			errs := ValidateRequest(req)
			if tt.shouldErr {
				assert.NotNil(t, errs)
				assert.Contains(t, errs, "code")
			} else {
				assert.Nil(t, errs)
			}
		})
	}
}

func TestFormatValidationError(t *testing.T) {
	req := TestInviteRequest{
		GroupID: "",
		Code:    "",
	}

	errs := ValidateRequest(req)
	assert.NotNil(t, errs)

	for field, msg := range errs {
		assert.NotEmpty(t, msg, "Error message should not be empty for field: %s", field)
		assert.NotContains(t, msg, "Validation failed", "Should use custom error message")
	}
}
