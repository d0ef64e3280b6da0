package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/finchsec/policysync/modules/securitypolicies/domain/ports"
	"github.com/finchsec/policysync/modules/securitypolicies/domain/types"
)

// CommentMarker is the stable hidden marker that keys the single violation
// comment per merge request. Idempotence is by construction: re-runs find the
// marked comment and edit it in place instead of appending.
const CommentMarker = "<!-- policysync:violations -->"

type ViolationNoteService struct {
	comments  ports.CommentStore
	botUserID string
}

func NewViolationNoteService(comments ports.CommentStore, botUserID string) *ViolationNoteService {
	return &ViolationNoteService{comments: comments, botUserID: botUserID}
}

// Generate creates or edits in place the one violation summary comment for a
// merge request. Sub-errors are joined into a single human-readable message
// and logged with the merge request id and report type; nothing propagates
// out of the worker.
func (s *ViolationNoteService) Generate(ctx context.Context, in types.ViolationInput) {
	var subErrors []string

	body, err := violationBody(in)
	if err != nil {
		subErrors = append(subErrors, err.Error())
	}

	if len(subErrors) == 0 {
		existing, err := s.comments.FindMarkedComment(ctx, in.MergeRequestID, CommentMarker)
		switch {
		case errors.Is(err, types.ErrNotFound):
			_, err := s.comments.CreateComment(ctx, types.Comment{
				MergeRequestID: in.MergeRequestID,
				AuthorID:       s.botUserID,
				Body:           body,
			})
			if err != nil {
				subErrors = append(subErrors, fmt.Sprintf("create comment: %v", err))
			}
		case err != nil:
			subErrors = append(subErrors, fmt.Sprintf("find comment: %v", err))
		default:
			if existing.Body != body {
				if err := s.comments.UpdateComment(ctx, existing.ID, body); err != nil {
					subErrors = append(subErrors, fmt.Sprintf("update comment: %v", err))
				}
			}
		}
	}

	if len(subErrors) > 0 {
		log.Printf("violation comment failure: merge_request_id=%s report_type=%s message=%s",
			in.MergeRequestID, in.ReportType, strings.Join(subErrors, "; "))
	}
}

func violationBody(in types.ViolationInput) (string, error) {
	reportLabel, err := reportTypeLabel(in.ReportType)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(CommentMarker)
	b.WriteString("\n")
	if in.ViolatedPolicy {
		fmt.Fprintf(&b, "Policy violation detected in the latest %s results.\n", reportLabel)
		if in.RequiresApproval {
			b.WriteString("This merge request requires approval from the designated security approvers before it can be merged.\n")
		} else {
			b.WriteString("No additional approval is required, but the violation is recorded for review.\n")
		}
	} else {
		fmt.Fprintf(&b, "No policy violations found in the latest %s results. Previously required security approvals are now optional.\n", reportLabel)
	}
	return b.String(), nil
}

func reportTypeLabel(kind types.RuleKind) (string, error) {
	switch kind {
	case types.RuleKindScanFinding:
		return "security scan", nil
	case types.RuleKindLicenseFinding:
		return "license scan", nil
	default:
		return "", fmt.Errorf("unknown report type %q", kind)
	}
}
