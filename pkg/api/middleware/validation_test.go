package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "autonode/pkg/api/middleware"

	"github.com/gin-gonic/gin"

	"autonode/pkg/models"
)

func TestValidator_ValidateKey_AcceptsNormalKeys(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, key := range []string{"widget", "widget-7", "fleet.items:42", "user@host", "a/b_c"} {
		if err := v.ValidateKey(key); err != nil {
			t.Errorf("expected key '%s' to be valid, got error: %v", key, err)
		}
	}
}

func TestValidator_ValidateKey_Rejects(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxKeyLength = 10
	v := NewValidator(config)

	for _, key := range []string{"", "has space", "semi;colon", "waytoolongkey"} {
		if err := v.ValidateKey(key); err == nil {
			t.Errorf("expected key '%s' to be rejected", key)
		}
	}
}

func TestValidator_ValidateTask(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxParams = 1
	v := NewValidator(config)

	if err := v.ValidateTask(models.Task{Kind: "report", Name: "nightly"}); err != nil {
		t.Errorf("expected task to be valid, got %v", err)
	}
	if err := v.ValidateTask(models.Task{Name: "nightly"}); err == nil {
		t.Error("expected task without kind to be rejected")
	}
	if err := v.ValidateTask(models.Task{Kind: "report"}); err == nil {
		t.Error("expected task without name to be rejected")
	}
	tooMany := models.Task{Kind: "report", Name: "n", Params: map[string]string{"a": "1", "b": "2"}}
	if err := v.ValidateTask(tooMany); err == nil {
		t.Error("expected task with too many params to be rejected")
	}
}

func TestValidator_ValidateName_RejectsEmpty(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateName(""); err == nil {
		t.Error("expected empty name to be rejected")
	}
}

func TestValidator_ValidateName_RejectsTooLong(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxNameLength = 5
	v := NewValidator(config)

	if err := v.ValidateName("toolongname"); err == nil {
		t.Error("expected too long name to be rejected")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "key",
		Message: "is required",
	}

	expected := "key: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/id", nil))
	minted := w.Header().Get("X-Request-ID")
	if minted == "" || w.Body.String() != minted {
		t.Errorf("expected a minted request id, header %q body %q", minted, w.Body.String())
	}

	req := httptest.NewRequest("GET", "/id", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Body.String() != "abc-123" {
		t.Errorf("expected propagated id, got %q", w.Body.String())
	}
}

func TestBodySizeLimitMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimitMiddleware(8))
	router.POST("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader("0123456789")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader("small")))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
