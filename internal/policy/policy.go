// Package policy derives which access paths a form offers from its
// configuration.
package policy

// FormType distinguishes quizzes from regular forms.
type FormType string

const (
	FormNormal FormType = "normal"
	FormQuiz   FormType = "quiz"
)

// Form is the subset of form metadata that access decisions depend on.
type Form struct {
	ID              string   `json:"id"`
	Type            FormType `json:"type"`
	AcceptResponses bool     `json:"acceptResponses"`
	RequireEmail    bool     `json:"requireEmail"`
}

// Access is the derived access policy of a form.
type Access struct {
	RequiresAuthentication bool `json:"requiresAuthentication"`
	AllowsGuestAccess      bool `json:"allowsGuestAccess"`
}

// RequiresAuthentication reports whether respondents must sign in.
// A nil form or one not accepting responses yields false; closed forms
// are handled by the caller.
func RequiresAuthentication(f *Form) bool {
	if f == nil || !f.AcceptResponses {
		return false
	}
	return f.Type == FormQuiz || f.RequireEmail
}

// AllowsGuestAccess reports whether respondents may continue as guests.
// Quizzes never allow guests.
func AllowsGuestAccess(f *Form) bool {
	if f == nil || !f.AcceptResponses {
		return false
	}
	if f.Type == FormQuiz {
		return false
	}
	return !f.RequireEmail
}

// Evaluate returns both decisions for f.
func Evaluate(f *Form) Access {
	return Access{
		RequiresAuthentication: RequiresAuthentication(f),
		AllowsGuestAccess:      AllowsGuestAccess(f),
	}
}

// Closed reports whether f exists but is not taking responses.
func Closed(f *Form) bool {
	return f != nil && !f.AcceptResponses
}
