package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/garage_backend/middlewares"
	"github.com/mmdatafocus/garage_backend/models"
	"github.com/mmdatafocus/garage_backend/models/reports"
	"github.com/mmdatafocus/garage_backend/utils"
	"github.com/mmdatafocus/garage_backend/workflow"
	"github.com/sirupsen/logrus"
)

const dateLayout = "2006-01-02"

var errorStatus = map[utils.ErrorKind]int{
	utils.KindInvalidTransition:  http.StatusConflict,
	utils.KindStateConflict:      http.StatusConflict,
	utils.KindInvariantViolation: http.StatusUnprocessableEntity,
	utils.KindPermissionDenied:   http.StatusForbidden,
	utils.KindNotFound:           http.StatusNotFound,
	utils.KindStorageUnavailable: http.StatusServiceUnavailable,
}

// writeError maps engine error kinds to status codes; anything unclassified is
// a bad request.
func writeError(c *gin.Context, err error) {
	kind := utils.KindOf(err)
	status, ok := errorStatus[kind]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	body := gin.H{"error": err.Error(), "kind": kind}
	var engineErr *utils.EngineError
	if errors.As(err, &engineErr) && engineErr.Retryable() {
		body["retryable"] = true
	}
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		body["correlation_id"] = cid
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

// bindError reports a request that failed binding, field by field when the
// validator rejected it.
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
}

func callerOf(c *gin.Context) (models.Caller, bool) {
	caller, err := models.CallerFromContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Caller{}, false
	}
	return caller, true
}

func limitParam(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func dateParam(c *gin.Context, key string, def time.Time) (time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return time.Parse(dateLayout, raw)
}

/*
	auth
*/

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		info, err := models.Login(c.Request.Context(), coord.Store.DB, req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := models.Logout(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func saveUserHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		if !coord.Permissions.Can(c.Request.Context(), caller, models.ActionManageUsers) {
			writeError(c, utils.PermissionDenied())
			return
		}
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		user, err := models.SaveUser(c.Request.Context(), coord.Store.DB, caller.BusinessId, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func departmentWorkersHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var department models.Department
		if err := department.UnmarshalText([]byte(c.Param("department"))); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		users, err := models.GetDepartmentWorkers(caller.WithContext(c.Request.Context()), coord.Store.DB, department)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, users)
	}
}

/*
	jobs
*/

type jobRow struct {
	*models.Job
	Cursor   string                `json:"cursor"`
	Assignee *models.User          `json:"assignee,omitempty"`
	Document *models.SalesDocument `json:"document,omitempty"`
}

func listJobsHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var filter models.JobFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			bindError(c, err)
			return
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}
		ctx := caller.WithContext(c.Request.Context())
		conn, err := models.ListJobs(ctx, coord.Store.DB, caller.BusinessId, filter, limitParam(c, 25), after)
		if err != nil {
			writeError(c, err)
			return
		}

		assigneeIds := make([]string, 0, len(conn.Edges))
		docIds := make([]string, 0, len(conn.Edges))
		for _, e := range conn.Edges {
			assigneeIds = append(assigneeIds, utils.DereferencePtr(e.Node.AssigneeId, ""))
			docIds = append(docIds, utils.DereferencePtr(e.Node.SalesDocId, ""))
		}
		assignees, _ := middlewares.GetUsers(ctx, assigneeIds)
		docs, _ := middlewares.GetSalesDocuments(ctx, docIds)

		rows := make([]jobRow, 0, len(conn.Edges))
		for i, e := range conn.Edges {
			row := jobRow{Job: e.Node, Cursor: e.Cursor}
			if i < len(assignees) {
				row.Assignee = assignees[i]
			}
			if i < len(docs) {
				row.Document = docs[i]
			}
			rows = append(rows, row)
		}
		c.JSON(http.StatusOK, gin.H{"jobs": rows, "pageInfo": conn.PageInfo})
	}
}

func createJobHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var input models.NewJob
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		job, err := coord.CreateJob(c.Request.Context(), caller, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, job)
	}
}

func getJobHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		ctx := caller.WithContext(c.Request.Context())
		job, err := coord.FindJob(ctx, caller, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		docs, err := models.GetJobDocuments(ctx, coord.Store.DB, job.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job, "documents": docs})
	}
}

type workerRequest struct {
	WorkerId string `json:"worker_id"`
}

type rejectJobRequest struct {
	WithCost bool `json:"with_cost"`
}

type transferRequest struct {
	Department models.Department `json:"department" binding:"required"`
	Override   bool              `json:"override"`
}

// jobEventHandler serves the job transitions that take no input.
func jobEventHandler(run func(*gin.Context, models.Caller, string) (*models.Job, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		job, err := run(c, caller, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func registerJobEvents(r gin.IRouter, coord *workflow.Coordinator) {
	r.POST("/jobs/:id/accept", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		var req workerRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if req.WorkerId == "" {
			req.WorkerId = caller.Id
		}
		return coord.AcceptJob(c.Request.Context(), caller, id, req.WorkerId)
	}))
	r.POST("/jobs/:id/request-quotation", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		return coord.RequestQuotation(c.Request.Context(), caller, id)
	}))
	r.POST("/jobs/:id/done", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		return coord.MarkDone(c.Request.Context(), caller, id)
	}))
	r.POST("/jobs/:id/customer-approve", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		return coord.CustomerApprove(c.Request.Context(), caller, id)
	}))
	r.POST("/jobs/:id/customer-reject", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		var req rejectJobRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return coord.CustomerReject(c.Request.Context(), caller, id, req.WithCost)
	}))
	r.POST("/jobs/:id/parts-ready", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		return coord.PartsReady(c.Request.Context(), caller, id)
	}))
	r.POST("/jobs/:id/transfer", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		var req transferRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return coord.TransferDepartment(c.Request.Context(), caller, id, req.Department, req.Override)
	}))
	r.POST("/jobs/:id/reassign", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		var req workerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return coord.ReassignWorker(c.Request.Context(), caller, id, req.WorkerId)
	}))
	r.POST("/jobs/:id/archive", jobEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.Job, error) {
		return coord.Archive(c.Request.Context(), caller, id)
	}))
}

func appendActivityHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var input models.NewActivity
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		act, err := coord.AppendActivity(c.Request.Context(), caller, c.Param("id"), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, act)
	}
}

func listActivitiesHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		acts, err := coord.ListActivities(c.Request.Context(), caller, c.Param("id"), limitParam(c, 50))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, acts)
	}
}

// streamActivitiesHandler pushes the activity list as server-sent events until
// the client goes away.
func streamActivitiesHandler(coord *workflow.Coordinator, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		ch, err := coord.SubscribeActivities(ctx, caller, c.Param("id"), limitParam(c, 50))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case acts, ok := <-ch:
				if !ok {
					return false
				}
				c.SSEvent("activities", acts)
				return true
			}
		})
		logger.WithFields(logrus.Fields{
			"field":  "ActivityStream",
			"job_id": c.Param("id"),
		}).Debug("activity stream closed")
	}
}

/*
	link / replace proposals
*/

type linkRequest struct {
	DocumentId string `json:"document_id" binding:"required"`
	Token      string `json:"token"`
}

type replaceRequest struct {
	OldDocType models.SalesDocumentType `json:"old_doc_type" binding:"required"`
	Document   models.NewSalesDocument  `json:"document"`
	Token      string                   `json:"token"`
}

func proposeLinkHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var req linkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		p, err := coord.ProposeLinkExistingDocument(c.Request.Context(), caller, c.Param("id"), req.DocumentId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func confirmLinkHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var req linkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		job, err := coord.ConfirmLinkExistingDocument(c.Request.Context(), caller, c.Param("id"), req.DocumentId, req.Token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

func proposeReplaceHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var req replaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		p, err := coord.ProposeReplaceSupersededDraft(c.Request.Context(), caller, c.Param("id"), req.OldDocType, req.Document)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

func confirmReplaceHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var req replaceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		doc, err := coord.ConfirmReplaceSupersededDraft(c.Request.Context(), caller, c.Param("id"), req.OldDocType, req.Document, req.Token)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

/*
	sales documents
*/

type reasonRequest struct {
	Reason string `json:"reason"`
}

func issueDocumentHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var input models.NewSalesDocument
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		if input.IdempotencyKey == "" {
			input.IdempotencyKey = c.GetHeader("Idempotency-Key")
		}
		doc, err := coord.IssueDocument(c.Request.Context(), caller, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, doc)
	}
}

func updateDocumentItemsHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		var input models.UpdateSalesDocumentItems
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		doc, err := coord.UpdateDocumentItems(c.Request.Context(), caller, c.Param("id"), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func documentEventHandler(run func(*gin.Context, models.Caller, string) (*models.SalesDocument, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		doc, err := run(c, caller, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func bindReason(c *gin.Context) (string, error) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return req.Reason, nil
}

func registerDocumentEvents(r gin.IRouter, coord *workflow.Coordinator) {
	r.POST("/documents/:id/submit", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		return coord.SubmitDocument(c.Request.Context(), caller, id)
	}))
	r.POST("/documents/:id/approve", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		return coord.ApproveDocument(c.Request.Context(), caller, id)
	}))
	r.POST("/documents/:id/reject", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		reason, err := bindReason(c)
		if err != nil {
			return nil, err
		}
		return coord.RejectDocument(c.Request.Context(), caller, id, reason)
	}))
	r.POST("/documents/:id/revise", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		return coord.ReviseDocument(c.Request.Context(), caller, id)
	}))
	r.POST("/documents/:id/paid", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		return coord.ConfirmPaid(c.Request.Context(), caller, id)
	}))
	r.POST("/documents/:id/cancel", documentEventHandler(func(c *gin.Context, caller models.Caller, id string) (*models.SalesDocument, error) {
		reason, err := bindReason(c)
		if err != nil {
			return nil, err
		}
		return coord.CancelDocument(c.Request.Context(), caller, id, reason)
	}))
}

func deleteDocumentHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		if err := coord.DeleteDocument(c.Request.Context(), caller, c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

/*
	dashboard
*/

func reportCaller(c *gin.Context, coord *workflow.Coordinator) (models.Caller, bool) {
	caller, ok := callerOf(c)
	if !ok {
		return caller, false
	}
	if !coord.Permissions.Can(c.Request.Context(), caller, models.ActionViewReports) {
		writeError(c, utils.PermissionDenied())
		return caller, false
	}
	return caller, true
}

func jobBacklogHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := reportCaller(c, coord)
		if !ok {
			return
		}
		rows, err := models.GetJobBacklog(caller.WithContext(c.Request.Context()), coord.Store.DB, caller.BusinessId)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func receivableAgingHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := reportCaller(c, coord)
		if !ok {
			return
		}
		asOf, err := dateParam(c, "as_of", coord.Store.ServerTimestamp())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be YYYY-MM-DD"})
			return
		}
		rows, err := models.GetReceivableAging(caller.WithContext(c.Request.Context()), coord.Store.DB, caller.BusinessId, asOf)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

func cashFlowHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := reportCaller(c, coord)
		if !ok {
			return
		}
		now := coord.Store.ServerTimestamp()
		from, err := dateParam(c, "from", now.AddDate(0, 0, -30))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
			return
		}
		to, err := dateParam(c, "to", now)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
			return
		}
		rows, err := models.GetCashFlow(caller.WithContext(c.Request.Context()), coord.Store.DB, caller.BusinessId, from, to)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rows)
	}
}

// exportDashboardHandler streams the dashboard as an .xlsx workbook.
func exportDashboardHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := reportCaller(c, coord)
		if !ok {
			return
		}
		asOf, err := dateParam(c, "as_of", coord.Store.ServerTimestamp())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be YYYY-MM-DD"})
			return
		}
		d, err := reports.LoadDashboard(caller.WithContext(c.Request.Context()), coord.Store.DB, caller.BusinessId, asOf, 30)
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=dashboard-"+asOf.Format(dateLayout)+".xlsx")
		if err := d.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}

/*
	ops
*/

type outboxReplayRequest struct {
	RecordId int `json:"record_id" binding:"required"`
}

// outboxReplayHandler puts a FAILED or DEAD event back in the dispatch queue.
func outboxReplayHandler(coord *workflow.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := callerOf(c)
		if !ok {
			return
		}
		if caller.Role != models.UserRoleAdmin {
			writeError(c, utils.PermissionDenied())
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		now := coord.Store.ServerTimestamp()
		res := coord.Store.DB.WithContext(c.Request.Context()).
			Model(&models.PubSubMessageRecord{}).
			Where("id = ? AND business_id = ? AND publish_status IN ?", req.RecordId, caller.BusinessId,
				[]string{models.OutboxPublishStatusFailed, models.OutboxPublishStatusDead}).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"publish_attempts":   0,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			})
		if res.Error != nil {
			writeError(c, utils.StorageUnavailable(res.Error))
			return
		}
		if res.RowsAffected == 0 {
			writeError(c, utils.NotFound("no failed event %d", req.RecordId))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}
