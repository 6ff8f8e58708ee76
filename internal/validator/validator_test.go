package validator

import (
	"testing"

	govalidator "github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRequest struct {
	EventType string `json:"event_type" validate:"required,event_type"`
	Details   string `json:"details" validate:"max=10"`
}

func newValidate() *govalidator.Validate {
	v := govalidator.New()
	Register(v)
	return v
}

func TestEventTypeTag(t *testing.T) {
	v := newValidate()

	assert.NoError(t, v.Struct(eventRequest{EventType: "tab-switch"}))

	err := v.Struct(eventRequest{EventType: "Coffee Break!"})
	require.Error(t, err)
	fields := TranslateErrors(err)
	assert.Equal(t, "event_type is not a known proctoring event type", fields["event_type"])
}

func TestTranslateErrors_UsesJSONNames(t *testing.T) {
	v := newValidate()

	fields := TranslateErrors(v.Struct(eventRequest{Details: "far too long for this"}))
	assert.Contains(t, fields, "event_type")
	assert.Contains(t, fields, "details")
}

func TestTranslateErrors_NonValidation(t *testing.T) {
	fields := TranslateErrors(assert.AnError)
	assert.Equal(t, map[string]string{"detail": assert.AnError.Error()}, fields)
}
