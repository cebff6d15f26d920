package filter_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/mcpbridge/internal/bridge/filter"
)

func TestScan_Empty(t *testing.T) {
	out, findings := filter.Scan("")
	if out != "" || findings != nil {
		t.Fatalf("Scan(\"\") = (%q, %v), want (\"\", nil)", out, findings)
	}
}

func TestScan_NoMatches(t *testing.T) {
	out, findings := filter.Scan("just some plain text")
	if out != "just some plain text" {
		t.Errorf("unexpected mutation: %q", out)
	}
	if len(findings) != 0 {
		t.Errorf("unexpected findings: %v", findings)
	}
}

func TestScan_Email(t *testing.T) {
	out, findings := filter.Scan("contact me at jane.doe@example.com please")
	if strings.Contains(out, "jane.doe@example.com") {
		t.Errorf("email not redacted: %q", out)
	}
	if !strings.Contains(out, "[REDACTED:email]") {
		t.Errorf("expected email placeholder, got %q", out)
	}
	if !filter.HasFindings(findings, filter.KindEmail) {
		t.Errorf("expected an email finding, got %v", findings)
	}
}

func TestScan_APIKey(t *testing.T) {
	out, findings := filter.Scan("my key is sk-AAAAAAAAAAAAAAAAAAAAAAAA")
	if !strings.Contains(out, "[REDACTED:apikey]") {
		t.Errorf("expected apikey placeholder, got %q", out)
	}
	if !filter.HasFindings(findings, filter.KindAPIKey) {
		t.Errorf("expected an apikey finding, got %v", findings)
	}
}

func TestScan_Phone(t *testing.T) {
	out, findings := filter.Scan("call me at 555-123-4567 today")
	if !strings.Contains(out, "[REDACTED:phone]") {
		t.Errorf("expected phone placeholder, got %q", out)
	}
	if !filter.HasFindings(findings, filter.KindPhone) {
		t.Errorf("expected a phone finding, got %v", findings)
	}
}

func TestScan_Idempotent(t *testing.T) {
	first, _ := filter.Scan("email jane.doe@example.com, key: sk-AAAAAAAAAAAAAAAAAAAAAAAA")
	second, findings := filter.Scan(first)
	if first != second {
		t.Errorf("Scan is not idempotent: first=%q second=%q", first, second)
	}
	if len(findings) != 0 {
		t.Errorf("re-scanning filtered output should yield no findings, got %v", findings)
	}
}

func TestScan_Deterministic(t *testing.T) {
	text := "reach jane.doe@example.com"
	a, _ := filter.Scan(text)
	b, _ := filter.Scan(text)
	if a != b {
		t.Errorf("Scan is not deterministic: %q != %q", a, b)
	}
}

func TestScan_MultipleFindings(t *testing.T) {
	_, findings := filter.Scan("emails: a@example.com and b@example.com")
	if len(findings) != 2 {
		t.Fatalf("got %d findings, want 2", len(findings))
	}
}
