package negotiation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/execution-hub/invitation-hub/internal/domain/invitation"
)

// CreateInput carries a single invitation request.
type CreateInput struct {
	EngagementID string        `validate:"required,max=128"`
	TargetOrgID  string        `validate:"required,max=128"`
	InitiatorID  string        `validate:"required,max=128"`
	CallerID     string        `validate:"required"`
	Message      string        `validate:"max=4000"`
	Validity     time.Duration `validate:"gte=0"`
	Schedule     invitation.Schedule
}

// BulkCreateInput invites several organizations to one engagement.
type BulkCreateInput struct {
	EngagementID string        `validate:"required,max=128"`
	TargetOrgIDs []string      `validate:"required,min=1,max=500,dive,required,max=128"`
	InitiatorID  string        `validate:"required,max=128"`
	CallerID     string        `validate:"required"`
	Message      string        `validate:"max=4000"`
	Validity     time.Duration `validate:"gte=0"`
	Schedule     invitation.Schedule
}

// ResendInput reopens a declined or expired invitation. Nil fields keep
// their current values.
type ResendInput struct {
	InvitationID uuid.UUID            `validate:"required"`
	CallerID     string               `validate:"required"`
	Message      *string              `validate:"omitempty,max=4000"`
	Schedule     *invitation.Schedule `validate:"omitempty"`
	Validity     time.Duration        `validate:"gte=0"`
}

// ListInput selects invitations by engagement or organization.
type ListInput struct {
	EngagementID string `validate:"required_without=TargetOrgID"`
	TargetOrgID  string `validate:"required_without=EngagementID"`
	Status       *invitation.Status
}

type counterInput struct {
	Alternative []invitation.TimeWindow `validate:"required,min=1,max=20,dive"`
}

// Result is the outcome of a successful operation. Warnings report side
// effects that failed after the change was committed.
type Result struct {
	Invitation *invitation.Invitation `json:"invitation"`
	Warnings   []string               `json:"warnings,omitempty"`
}

// Skipped names an organization that already had an active invitation.
type Skipped struct {
	TargetOrgID  string    `json:"targetOrgId"`
	InvitationID uuid.UUID `json:"invitationId"`
}

// Failure names an organization whose invitation could not be created.
type Failure struct {
	TargetOrgID string `json:"targetOrgId"`
	Error       string `json:"error"`
}

// BulkResult reports what CreateInvitations did for each organization.
type BulkResult struct {
	Created  []*invitation.Invitation `json:"created"`
	Skipped  []Skipped                `json:"skipped,omitempty"`
	Failed   []Failure                `json:"failed,omitempty"`
	Warnings []string                 `json:"warnings,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the tag rules on v and folds any failure into
// ErrValidation.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", invitation.ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", invitation.ErrValidation, strings.Join(fields, "; "))
}
