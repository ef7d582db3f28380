package remediation

import (
	"errors"
	"fmt"
)

// ErrMalformedFix is the sentinel wrapped by every MalformedFixError.
var ErrMalformedFix = errors.New("malformed recommended fix")

// MalformedFixError reports an issue whose recommended fix cannot be applied as stored.
// Remediation skips the issue and moves on.
type MalformedFixError struct {
	IssueID string
	Reason  string
}

func (e *MalformedFixError) Error() string {
	return fmt.Sprintf("issue %s: %s: %s", e.IssueID, ErrMalformedFix.Error(), e.Reason)
}

func (e *MalformedFixError) Unwrap() error {
	return ErrMalformedFix
}

// ErrAlreadyPublished is the sentinel wrapped by every AlreadyPublishedError.
var ErrAlreadyPublished = errors.New("issue already has a pull request")

// AlreadyPublishedError reports an issue that already has a recorded change request, for example
// one that was rejected after its PR opened and then approved again. No second PR is opened.
type AlreadyPublishedError struct {
	IssueID string
	Number  int
	URL     string
}

func (e *AlreadyPublishedError) Error() string {
	return fmt.Sprintf("issue %s: %s: PR #%d %s", e.IssueID, ErrAlreadyPublished.Error(), e.Number, e.URL)
}

func (e *AlreadyPublishedError) Unwrap() error {
	return ErrAlreadyPublished
}

// UnpatchedError reports an issue whose fix could not be applied to the live file. The issue keeps
// its status and the pass moves on to the next candidate.
type UnpatchedError struct {
	IssueID string
	Err     error
}

func (e *UnpatchedError) Error() string {
	return fmt.Sprintf("issue %s: %v", e.IssueID, e.Err)
}

func (e *UnpatchedError) Unwrap() error {
	return e.Err
}
