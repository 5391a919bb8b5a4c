package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"payments", true},
		{"svc.transfer_v2", true},
		{"user@example.com", true},
		{"oracle:anomaly-1", true},
		{strings.Repeat("a", 128), true},

		// Invalid cases
		{"", false},
		{"pay/ments", false},
		{"has space", false},
		{strings.Repeat("a", 129), false},
		{"semi;colon", false},
	}

	for _, tc := range tests {
		if got := IsValidIdentifier(tc.id); got != tc.valid {
			t.Errorf("IsValidIdentifier(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestIsValidFingerprint(t *testing.T) {
	if !IsValidFingerprint("0x" + strings.Repeat("aB", 32)) {
		t.Error("expected 32-byte hex to be valid")
	}
	if IsValidFingerprint(strings.Repeat("ab", 32)) {
		t.Error("expected missing 0x to be invalid")
	}
	if IsValidFingerprint("0x" + strings.Repeat("ab", 31)) {
		t.Error("expected short id to be invalid")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("SanitizeString = %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("SanitizeString truncation = %q", got)
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		ValidIdentifier("service", "payments"),
		ValidIdentifier("function", ""),
		OptionalIdentifier("actor", ""),
		Percent("score", 101),
		ValidHex("credential_hash", "xyz"),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "function" {
		t.Errorf("first error field = %q, want function", errs[0].Field)
	}
	if errs.Error() != "function: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestIdentifierParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(IdentifierParamMiddleware("service"))
	r.GET("/services/:service", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/services/payments", nil))
	if w.Code != http.StatusOK {
		t.Errorf("valid param: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/services/bad%20name", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid param: expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"a":"0123456789"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected oversized body to be rejected, got %d", w.Code)
	}
}
