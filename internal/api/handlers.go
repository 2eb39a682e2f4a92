package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

func (s *Server) handleSubmit(c *gin.Context) {
	logger := s.requestLogger(c)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", "error", err)
		s.abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")

		return
	}

	if err := validate.Struct(req); err != nil {
		logger.Warn("invalid submit request", "error", err)
		s.abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())

		return
	}

	job, err := s.svc.Submit(c.Request.Context(), req.Repository())
	if err != nil {
		s.fail(c, logger, "submit job", err)

		return
	}

	c.Header("Location", "/v1/jobs/"+job.ID)
	c.JSON(http.StatusCreated, JobResponse{Job: job})
}

func (s *Server) handleList(c *gin.Context) {
	logger := s.requestLogger(c)

	var query ListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.abort(c, http.StatusBadRequest, CodeInvalidRequest, "invalid query")

		return
	}

	if err := validate.Struct(query); err != nil {
		s.abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())

		return
	}

	if query.Limit == 0 {
		query.Limit = defaultListLimit
	}

	list, err := s.svc.Jobs(c.Request.Context(), jobs.ListFilter{Status: jobs.Status(query.Status), Limit: query.Limit})
	if err != nil {
		s.fail(c, logger, "list jobs", err)

		return
	}

	if list == nil {
		list = []jobs.Job{}
	}

	c.JSON(http.StatusOK, JobsResponse{Jobs: list})
}

func (s *Server) handleGet(c *gin.Context) {
	job, err := s.svc.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, s.requestLogger(c), "get job", err)

		return
	}

	c.JSON(http.StatusOK, JobResponse{Job: job})
}

func (s *Server) handleTransitions(c *gin.Context) {
	jobID := c.Param("id")

	log, err := s.svc.Transitions(c.Request.Context(), jobID)
	if err != nil {
		s.fail(c, s.requestLogger(c), "list transitions", err)

		return
	}

	if log == nil {
		log = []jobs.Transition{}
	}

	c.JSON(http.StatusOK, TransitionsResponse{JobID: jobID, Transitions: log})
}

func (s *Server) handleOutput(c *gin.Context) {
	jobID := c.Param("id")

	stage, err := analysis.ParseStage(c.Param("stage"))
	if err != nil {
		s.abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())

		return
	}

	out, err := s.svc.Output(c.Request.Context(), jobID, stage)
	if err != nil {
		s.fail(c, s.requestLogger(c), "load output", err)

		return
	}

	c.JSON(http.StatusOK, OutputResponse{JobID: jobID, Stage: stage, Output: out})
}

func (s *Server) handleCancel(c *gin.Context) {
	logger := s.requestLogger(c)

	job, err := s.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, logger, "cancel job", err)

		return
	}

	logger.Info("job cancelled via api", "job_id", job.ID)
	c.JSON(http.StatusOK, JobResponse{Job: job})
}

func (s *Server) handleRerun(c *gin.Context) {
	job, err := s.svc.Rerun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, s.requestLogger(c), "rerun job", err)

		return
	}

	c.Header("Location", "/v1/jobs/"+job.ID)
	c.JSON(http.StatusCreated, JobResponse{Job: job})
}

// fail answers with the status matching err. Server errors are logged.
func (s *Server) fail(c *gin.Context, logger *slog.Logger, op string, err error) {
	status, code := statusFor(err)

	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err)
		s.abort(c, status, code, "internal error")

		return
	}

	s.abort(c, status, code, err.Error())
}

func (s *Server) abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}
