package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"quran-academy/internal/auth"
	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/provisioning"
	"quran-academy/internal/rbac"
	"quran-academy/internal/reporting"
	"quran-academy/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (provisioning.Result, error)
}

type ClassLister interface {
	ListForStudent(ctx context.Context, studentID string) ([]classes.ClassSession, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
//
// Teacher accounts sign in with their teacher id as user id.
type Handlers struct {
	Provisioner Provisioner
	Store       classes.Store
	CallLog     *calllog.Service
	Reports     *reporting.Service
	Classes     ClassLister
}

// --- Calls ---

// ProvisionRoom is POST /v1/calls/rooms.
// RBAC: teacher (for their own classes) or admin.
func (h Handlers) ProvisionRoom(c *gin.Context) {
	if h.Provisioner == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "provisioning not configured"})
		return
	}
	var req provisioning.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.ClassID = strings.TrimSpace(req.ClassID)
	req.TeacherID = strings.TrimSpace(req.TeacherID)
	req.StudentID = strings.TrimSpace(req.StudentID)

	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	if !rbac.IsAdmin(role) && req.TeacherID != "" && req.TeacherID != uid {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "teachers can only start their own classes"})
		return
	}

	res, err := h.Provisioner.Provision(c.Request.Context(), req)
	if err != nil {
		status, msg := provisionError(err)
		if status >= http.StatusInternalServerError {
			logger.FromGin(c).Error("provision room failed", "class_id", req.ClassID, "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, res)
}

func provisionError(err error) (int, string) {
	switch {
	case errors.Is(err, provisioning.ErrAlreadyStarting):
		return http.StatusConflict, "call already starting"
	case errors.Is(err, provisioning.ErrInvalidRequest):
		return http.StatusBadRequest, "class_id, teacher_id and student_id are required"
	case errors.Is(err, classes.ErrNotFound):
		return http.StatusNotFound, "class session not found"
	case errors.Is(err, classes.ErrNotCallable):
		return http.StatusConflict, "class session cannot start a call"
	case errors.Is(err, provisioning.ErrConfiguration):
		return http.StatusInternalServerError, "video provider not configured"
	case errors.Is(err, provisioning.ErrProvisionFailed):
		return http.StatusBadGateway, "video room could not be created"
	case errors.Is(err, provisioning.ErrPersistence):
		return http.StatusInternalServerError, "class session update failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// CallTimeline is GET /v1/classes/:id/call-log.
// RBAC: the session's teacher, the session's student (or parent), or admin.
func (h Handlers) CallTimeline(c *gin.Context) {
	if h.CallLog == nil || h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log not configured"})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	s, err := h.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, classes.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "class session not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "class session lookup failed"})
		return
	}
	if !h.canReadSession(ctx, s) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	attempts, err := h.CallLog.Timeline(ctx, id)
	if err != nil {
		logger.FromGin(c).Error("call log read failed", "class_session_id", id, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call log read failed"})
		return
	}
	if attempts == nil {
		attempts = []calllog.Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"class_session_id": id, "status": s.Status, "attempts": attempts})
}

func (h Handlers) canReadSession(ctx context.Context, s classes.ClassSession) bool {
	uid, err := auth.UserID(ctx)
	if err != nil {
		return false
	}
	role, _ := auth.Role(ctx)
	switch {
	case rbac.IsAdmin(role):
		return true
	case role == rbac.RoleTeacher:
		return s.TeacherID == uid
	case rbac.IsLearner(role):
		studentID, err := h.Store.StudentForUser(ctx, uid)
		return err == nil && studentID == s.StudentID
	default:
		return false
	}
}

// TeacherCallSummary is GET /v1/teachers/:id/call-summary?from=&to= (RFC3339).
// Defaults to the last 30 days.
func (h Handlers) TeacherCallSummary(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	var ok bool
	if from, ok = parseTime(c, "from", from); !ok {
		return
	}
	if to, ok = parseTime(c, "to", to); !ok {
		return
	}

	sum, err := h.Reports.TeacherSummary(c.Request.Context(), reporting.TeacherSummaryRequest{
		TeacherID: c.Param("id"),
		Range:     reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range"})
			return
		}
		logger.FromGin(c).Error("call summary failed", "teacher_id", c.Param("id"), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func parseTime(c *gin.Context, key string, def time.Time) (time.Time, bool) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
		return time.Time{}, false
	}
	return t.UTC(), true
}

// --- Classes ---

// MyClasses is GET /v1/me/classes for students and parents.
func (h Handlers) MyClasses(c *gin.Context) {
	if h.Classes == nil || h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "classes not configured"})
		return
	}
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	studentID, err := h.Store.StudentForUser(ctx, uid)
	if err != nil {
		if errors.Is(err, classes.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no student linked to this account"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "student lookup failed"})
		return
	}
	list, err := h.Classes.ListForStudent(ctx, studentID)
	if err != nil {
		logger.FromGin(c).Error("class list failed", "student_id", studentID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "class list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "classes": list})
}

// --- Misc ---

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Check reports whether one backing service is reachable.
type Check func(ctx context.Context) error

// Ready runs every check and answers 503 listing the failures.
func Ready(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			logger.FromGin(c).Warn("readiness check failed", "failed", failed)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "dependencies unavailable", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func MethodNotAllowed(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
}
