package testutil

import (
	"strings"
	"testing"
)

func TestUpSection(t *testing.T) {
	script := "-- +goose Up\nCREATE TABLE a (id INT);\n\n-- +goose Down\nDROP TABLE a;\n"
	up := upSection(script)
	if strings.Contains(up, "DROP") {
		t.Errorf("down statements leaked into up section: %q", up)
	}
	if !strings.Contains(up, "CREATE TABLE a") {
		t.Errorf("up section lost its statements: %q", up)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Errorf("script without markers changed: %q", got)
	}
}
