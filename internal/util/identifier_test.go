package util

import "testing"

func TestNormalizeEmail(t *testing.T) {
	cases := map[string]string{
		"Customer@Example.COM":    "customer@example.com",
		"  spaced@example.com  ":  "spaced@example.com",
		"already@example.com":     "already@example.com",
		"MiXeD.CaSe@Example.com ": "mixed.case@example.com",
	}
	for in, want := range cases {
		if got := NormalizeEmail(in); got != want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{
		"customer@example.com",
		"first.last@sub.example.co",
		"x@example.org",
	}
	for _, email := range valid {
		if !ValidEmail(email) {
			t.Errorf("expected %q to be valid", email)
		}
	}

	invalid := []string{
		"",
		"not-an-email",
		"missing@domain@example.com",
		"Name <name@example.com>",
		"trailing@example.com extra",
	}
	for _, email := range invalid {
		if ValidEmail(email) {
			t.Errorf("expected %q to be invalid", email)
		}
	}
}
