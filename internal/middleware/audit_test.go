package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

type capturingAuditWriter struct {
	entries []*models.AuditLog
}

func (w *capturingAuditWriter) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	w.entries = append(w.entries, log)
	return nil
}

func TestAuditRecordsMutatingRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &capturingAuditWriter{}

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.JWTClaims{UserID: "u1", Role: models.RoleRegistrar})
	})
	router.Use(Audit(sink, models.AuditActionHTTPWrite, "enrollment"))
	router.PUT("/enrollments/:id/approve", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	recorder := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/enrollments/enr-1/approve", nil)
	req.Header.Set("User-Agent", "registrar-ui/2.1")
	router.ServeHTTP(recorder, req)

	if len(sink.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(sink.entries))
	}
	entry := sink.entries[0]
	if entry.Action != models.AuditActionHTTPWrite || entry.Resource != "enrollment" {
		t.Fatalf("unexpected action/resource: %s/%s", entry.Action, entry.Resource)
	}
	if entry.ResourceID == nil || *entry.ResourceID != "enr-1" {
		t.Fatalf("unexpected resource id: %v", entry.ResourceID)
	}
	if entry.UserID == nil || *entry.UserID != "u1" {
		t.Fatalf("unexpected user id: %v", entry.UserID)
	}
	if entry.IPAddress == "" {
		t.Fatalf("expected client address to be recorded")
	}
	if entry.UserAgent != "registrar-ui/2.1" {
		t.Fatalf("unexpected user agent: %s", entry.UserAgent)
	}
}

func TestAuditSkipsReadsAndFailures(t *testing.T) {
	gin.SetMode(gin.TestMode)
	sink := &capturingAuditWriter{}

	router := gin.New()
	router.Use(Audit(sink, models.AuditActionHTTPWrite, "enrollment"))
	router.GET("/enrollments", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.POST("/enrollments", func(c *gin.Context) {
		c.Status(http.StatusBadRequest)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/enrollments", nil))
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/enrollments", nil))

	if len(sink.entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(sink.entries))
	}
}
