package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeInternal       = "INTERNAL"
)

const defaultListLimit = 100

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("repourl", func(fl validator.FieldLevel) bool {
		return analysis.RepositoryRef{URL: fl.Field().String()}.Validate() == nil
	})

	_ = v.RegisterValidation("jobstatus", func(fl validator.FieldLevel) bool {
		switch jobs.Status(fl.Field().String()) {
		case jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
			return true
		default:
			return false
		}
	})

	return v
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	RepositoryID string `json:"repository_id" validate:"omitempty,max=200"`
	URL          string `json:"url"           validate:"required,max=2048,repourl"`
}

// Repository returns the reference to analyze.
func (r SubmitRequest) Repository() analysis.RepositoryRef {
	return analysis.RepositoryRef{ID: r.RepositoryID, URL: r.URL}
}

// ListQuery is the query of GET /v1/jobs.
type ListQuery struct {
	Status string `form:"status" validate:"omitempty,jobstatus"`
	Limit  int    `form:"limit"  validate:"gte=0,lte=500"`
}

// JobResponse wraps a job.
type JobResponse struct {
	Job jobs.Job `json:"job"`
}

// JobsResponse lists jobs.
type JobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// TransitionsResponse is the transition log of a job.
type TransitionsResponse struct {
	JobID       string            `json:"job_id"`
	Transitions []jobs.Transition `json:"transitions"`
}

// OutputResponse is the persisted output of one stage.
type OutputResponse struct {
	JobID  string          `json:"job_id"`
	Stage  analysis.Stage  `json:"stage"`
	Output analysis.Output `json:"output"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a service error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrOutputNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrNotTerminal), errors.Is(err, jobs.ErrJobExists):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, analysis.ErrInvalidRepository), errors.Is(err, analysis.ErrUnknownStage):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
